package host

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
// generated project, so the project can be launched on its own.
const ServerFileName = "microtvm_api_server"

// crtCopyItems are taken from the standalone CRT directory.
var crtCopyItems = []string{"include", "Makefile", "src"}

// ErrProjectExists is returned when generate_project targets an existing path.
var ErrProjectExists = errors.New("host: project directory already exists")

func (h *Handler) GenerateProject(ctx context.Context, mlfPath, crtDir, projectDir string, opts projectapi.Options) error {
	if err := projectapi.ValidateOptions(ProjectOptions, opts); err != nil {
		return err
	}
	if _, err := os.Lstat(projectDir); err == nil {
		return fmt.Errorf("%w: %s", ErrProjectExists, projectDir)
	}
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("host: generate: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("host: generate: locate agent: %w", err)
	}
	steps := []struct{ src, dst string }{
		{exe, ServerFileName},
		{mlfPath, ModelLibraryFormatRelPath},
		{filepath.Join(h.cfg.ProjectDir, "Makefile"), "Makefile"},
		{filepath.Join(h.cfg.ProjectDir, "..", "crt_config-template.h"), filepath.Join("crt_config", "crt_config.h")},
		{filepath.Join(h.cfg.ProjectDir, "main.cc"), filepath.Join("src", "main.cc")},
	}
	for _, item := range crtCopyItems {
		steps = append(steps, struct{ src, dst string }{filepath.Join(crtDir, item), filepath.Join("crt", item)})
	}
	for _, s := range steps {
		if err := fsutil.Copy(s.src, filepath.Join(projectDir, s.dst)); err != nil {
			return fmt.Errorf("host: generate: %w", err)
		}
	}

	if err := fsutil.ExtractTar(filepath.Join(projectDir, ModelLibraryFormatRelPath), filepath.Join(projectDir, "model")); err != nil {
		return fmt.Errorf("host: generate: %w", err)
	}

	f := &projectfile.File{
		ID:                 uuid.NewString(),
		Platform:           PlatformName,
		ModelLibraryFormat: ModelLibraryFormatRelPath,
		GeneratedAt:        time.Now().UTC(),
		Options:            opts,
	}
	if err := projectfile.Write(projectDir, f); err != nil {
		return fmt.Errorf("host: generate: %w", err)
	}
	h.log.InfoContext(ctx, "host: project generated", slog.String("project_dir", projectDir), slog.String("project_id", f.ID))
	return nil
}
