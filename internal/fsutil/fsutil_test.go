package fsutil

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type entry struct {
	name, body, link string
	dir              bool
}

func writeTar(t *testing.T, path string, compress bool, entries []entry) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	defer f.Close()

	var w io.Writer = f
	if compress {
		gz := gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}
	tw := tar.NewWriter(w)
	defer tw.Close()
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir}
		case e.link != "":
			hdr = &tar.Header{Name: e.name, Linkname: e.link, Typeflag: tar.TypeSymlink}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader() failed: %v", err)
		}
		if e.body != "" {
			if _, err := io.WriteString(tw, e.body); err != nil {
				t.Fatalf("Write() failed: %v", err)
			}
		}
	}
}

func TestExtractTar(t *testing.T) {
	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		archive := filepath.Join(dir, "model.tar")
		writeTar(t, archive, compress, []entry{
			{name: "codegen/", dir: true},
			{name: "codegen/host/src/lib0.c", body: "int x;"},
			{name: "metadata.json", body: "{}"},
			{name: "link", link: "metadata.json"},
		})

		dst := filepath.Join(dir, "model")
		if err := ExtractTar(archive, dst); err != nil {
			t.Fatalf("ExtractTar(gzip=%v) failed: %v", compress, err)
		}
		got, err := os.ReadFile(filepath.Join(dst, "codegen/host/src/lib0.c"))
		if err != nil || string(got) != "int x;" {
			t.Fatalf("extracted file = %q, %v", got, err)
		}
		if got, err := os.ReadFile(filepath.Join(dst, "link")); err != nil || string(got) != "{}" {
			t.Fatalf("symlink target = %q, %v", got, err)
		}
	}
}

func TestExtractTarRejectsEscapes(t *testing.T) {
	cases := map[string]entry{
		"parent":   {name: "../evil", body: "x"},
		"nested":   {name: "a/../../evil", body: "x"},
		"absolute": {name: "/tmp/evil", body: "x"},
		"link out": {name: "l", link: "../../etc/passwd"},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "bad.tar")
			writeTar(t, archive, false, []entry{e})
			err := ExtractTar(archive, filepath.Join(dir, "out"))
			if !errors.Is(err, ErrUnsafePath) {
				t.Fatalf("ExtractTar() error = %v, want ErrUnsafePath", err)
			}
		})
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "include", "tvm"), 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "include", "tvm", "runtime.h"), []byte("#pragma once\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "crt")
	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree() failed: %v", err)
	}
	if got, err := os.ReadFile(filepath.Join(dst, "include", "tvm", "runtime.h")); err != nil || string(got) != "#pragma once\n" {
		t.Fatalf("copied header = %q, %v", got, err)
	}
	fi, err := os.Stat(filepath.Join(dst, "run.sh"))
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if fi.Mode().Perm()&0o100 == 0 {
		t.Fatalf("executable bit lost: %v", fi.Mode())
	}
}
