// Package projectfile reads and writes project.toml, the metadata a template
// agent leaves in every project it generates.
package projectfile

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the metadata file name inside a generated project.
const FileName = "project.toml"

// ErrNotGenerated means the directory holds no project.toml.
var ErrNotGenerated = errors.New("projectfile: not a generated project")

// File is the content of project.toml.
type File struct {
	// ID uniquely identifies the generated project.
	ID string `toml:"id"`
	// Platform is the platform_name of the agent that generated the project.
	Platform string `toml:"platform"`
	// ModelLibraryFormat is the model archive path relative to the project.
	ModelLibraryFormat string    `toml:"model_library_format"`
	GeneratedAt        time.Time `toml:"generated_at"`
	// Options are the option values given at generate time. Agents use them
	// as defaults for later calls.
	Options map[string]any `toml:"options"`
}

// Read loads project.toml from dir.
func Read(dir string) (*File, error) {
	path := filepath.Join(dir, FileName)
	var f File
	meta, err := toml.DecodeFile(path, &f)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotGenerated, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("load %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if f.Options == nil {
		f.Options = map[string]any{}
	}
	return &f, nil
}

// Write stores f as project.toml in dir, replacing any previous file. Options
// with nil values are omitted since TOML has no null.
func Write(dir string, f *File) error {
	out := *f
	out.Options = make(map[string]any, len(f.Options))
	for k, v := range f.Options {
		if v != nil {
			out.Options[k] = v
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(out); err != nil {
		return fmt.Errorf("encode %s: %w", FileName, err)
	}

	tmp, err := os.CreateTemp(dir, "."+FileName+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", FileName, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", FileName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", FileName, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("write %s: %w", FileName, err)
	}
	return nil
}
