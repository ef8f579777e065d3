package zephyr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/projectapi-go/internal/fsutil"
	"github.com/ggoodman/projectapi-go/internal/projectfile"
	"github.com/ggoodman/projectapi-go/projectapi"
)

// ServerFileName is the name the agent executable is copied to inside a
// generated project.
const ServerFileName = "microtvm_api_server"

var crtCopyItems = []string{"include", "Makefile", "src"}

// templateItems are copied from the template into every generated project.
var templateItems = []string{
	"CMakeLists.txt",
	"prj.conf",
	"boards",
	filepath.Join("crt_config", "crt_config.h"),
	filepath.Join("src", "main.c"),
}

// ErrProjectExists is returned when generate_project targets an existing path.
var ErrProjectExists = errors.New("zephyr: project directory already exists")

func (h *Handler) GenerateProject(ctx context.Context, mlfPath, crtDir, projectDir string, opts projectapi.Options) error {
	if err := projectapi.ValidateOptions(ProjectOptions, opts); err != nil {
		return err
	}
	b, err := board(opts)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(projectDir); err == nil {
		return fmt.Errorf("%w: %s", ErrProjectExists, projectDir)
	}
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("zephyr: generate: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("zephyr: generate: locate agent: %w", err)
	}
	type copyStep struct{ src, dst string }
	steps := []copyStep{
		{exe, ServerFileName},
		{mlfPath, ModelLibraryFormatRelPath},
	}
	for _, item := range crtCopyItems {
		steps = append(steps, copyStep{filepath.Join(crtDir, item), filepath.Join("crt", item)})
	}
	for _, item := range templateItems {
		steps = append(steps, copyStep{filepath.Join(h.cfg.ProjectDir, item), item})
	}
	if isQEMU(b) {
		steps = append(steps, copyStep{filepath.Join(h.cfg.ProjectDir, "qemu-hack"), "qemu-hack"})
	}
	for _, s := range steps {
		if err := fsutil.Copy(s.src, filepath.Join(projectDir, s.dst)); err != nil {
			return fmt.Errorf("zephyr: generate: %w", err)
		}
	}

	if err := fsutil.ExtractTar(filepath.Join(projectDir, ModelLibraryFormatRelPath), filepath.Join(projectDir, "model")); err != nil {
		return fmt.Errorf("zephyr: generate: %w", err)
	}

	f := &projectfile.File{
		ID:                 uuid.NewString(),
		Platform:           PlatformName,
		ModelLibraryFormat: ModelLibraryFormatRelPath,
		GeneratedAt:        time.Now().UTC(),
		Options:            opts,
	}
	if err := projectfile.Write(projectDir, f); err != nil {
		return fmt.Errorf("zephyr: generate: %w", err)
	}
	h.log.InfoContext(ctx, "zephyr: project generated", slog.String("project_dir", projectDir), slog.String("board", b))
	return nil
}
