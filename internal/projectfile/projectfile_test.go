package projectfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	in := &File{
		ID:                 "6f1c0d5e-8a57-4c1b-9d27-2b0d8e7d9a10",
		Platform:           "zephyr",
		ModelLibraryFormat: "model.tar",
		GeneratedAt:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Options: map[string]any{
			"zephyr_board": "qemu_x86",
			"verbose":      true,
			"serial_baud":  int64(115200),
			"skipped":      nil,
		},
	}
	if err := Write(dir, in); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	out, err := Read(dir)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if out.ID != in.ID || out.Platform != "zephyr" || out.ModelLibraryFormat != "model.tar" {
		t.Fatalf("Read() = %+v", out)
	}
	if !out.GeneratedAt.Equal(in.GeneratedAt) {
		t.Fatalf("GeneratedAt = %v, want %v", out.GeneratedAt, in.GeneratedAt)
	}
	if out.Options["zephyr_board"] != "qemu_x86" || out.Options["verbose"] != true || out.Options["serial_baud"] != int64(115200) {
		t.Fatalf("Options = %#v", out.Options)
	}
	if _, ok := out.Options["skipped"]; ok {
		t.Fatal("nil option was written")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Write() left %d files behind", len(entries))
	}
}

func TestReadNotGenerated(t *testing.T) {
	if _, err := Read(t.TempDir()); !errors.Is(err, ErrNotGenerated) {
		t.Fatalf("Read() error = %v, want ErrNotGenerated", err)
	}
}

func TestReadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	data := "platform = \"host\"\ncolour = \"blue\"\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if _, err := Read(dir); err == nil {
		t.Fatal("Read() accepted an unknown key")
	}
}
