// Package host implements the project agent for the host platform: the
// generated project builds a POSIX executable whose stdin and stdout carry
// the device transport.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/projectapi-go/internal/logctx"
	"github.com/ggoodman/projectapi-go/internal/projectfile"
	"github.com/ggoodman/projectapi-go/projectapi"
	"github.com/ggoodman/projectapi-go/transport"
)

// PlatformName is reported in ServerInfo.
const PlatformName = "host"

// ModelLibraryFormatRelPath is where a generated project keeps its model
// archive. Its presence marks the directory as generated.
const ModelLibraryFormatRelPath = "model.tar"

const terminateGrace = 5 * time.Second

// ProjectOptions are the options the host agent accepts.
var ProjectOptions = []projectapi.ProjectOption{
	{Name: "verbose", Help: "Run make with verbose output"},
}

// Config for the host agent. Defaults can be loaded via envdecode.
type Config struct {
	// ProjectDir is the template or generated project the agent serves.
	// Defaults to the directory holding the agent executable.
	// ENV: PROJECTAPI_PROJECT_DIR
	ProjectDir string `env:"PROJECTAPI_PROJECT_DIR"`
	// Make is the make program. ENV: PROJECTAPI_MAKE
	Make string `env:"PROJECTAPI_MAKE,default=make"`
	// BuildTarget is the make target and the program run by connect_transport,
	// relative to ProjectDir unless absolute. ENV: PROJECTAPI_HOST_BUILD_TARGET
	BuildTarget string `env:"PROJECTAPI_HOST_BUILD_TARGET,default=build/main"`
}

// ConfigFromEnv builds a Config using envdecode.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("host: decode environment: %w", err)
	}
	return cfg, nil
}

// Handler is the host platform projectapi.Handler.
type Handler struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	session *session
}

type session struct {
	id  string
	cmd *exec.Cmd
	tr  *transport.FdTransport
}

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger overrides the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// New returns a Handler serving cfg.ProjectDir.
func New(cfg Config, opts ...Option) (*Handler, error) {
	if cfg.ProjectDir == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("host: locate project dir: %w", err)
		}
		cfg.ProjectDir = filepath.Dir(exe)
	}
	abs, err := filepath.Abs(cfg.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("host: project dir: %w", err)
	}
	cfg.ProjectDir = abs
	if cfg.Make == "" {
		cfg.Make = "make"
	}
	if cfg.BuildTarget == "" {
		cfg.BuildTarget = "build/main"
	}

	h := &Handler{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) isTemplate() bool {
	_, err := os.Stat(filepath.Join(h.cfg.ProjectDir, ModelLibraryFormatRelPath))
	return err != nil
}

// options validates opts and overlays them on the generate-time defaults of a
// generated project.
func (h *Handler) options(opts projectapi.Options) (projectapi.Options, error) {
	if err := projectapi.ValidateOptions(ProjectOptions, opts); err != nil {
		return nil, err
	}
	f, err := projectfile.Read(h.cfg.ProjectDir)
	if errors.Is(err, projectfile.ErrNotGenerated) {
		return projectapi.MergeOptions(nil, opts), nil
	}
	if err != nil {
		return nil, err
	}
	return projectapi.MergeOptions(f.Options, opts), nil
}

func (h *Handler) ServerInfoQuery(ctx context.Context) (projectapi.ServerInfo, error) {
	info := projectapi.ServerInfo{
		PlatformName:   PlatformName,
		IsTemplate:     h.isTemplate(),
		ProjectOptions: ProjectOptions,
	}
	if !info.IsTemplate {
		info.ModelLibraryFormatPath = filepath.Join(h.cfg.ProjectDir, ModelLibraryFormatRelPath)
	}
	return info, nil
}

func (h *Handler) Build(ctx context.Context, opts projectapi.Options) error {
	opts, err := h.options(opts)
	if err != nil {
		return err
	}
	verbose, err := opts.Bool("verbose")
	if err != nil {
		return err
	}
	args := []string{}
	if verbose {
		args = append(args, "QUIET=")
	}
	args = append(args, h.cfg.BuildTarget)

	cmd := exec.CommandContext(ctx, h.cfg.Make, args...)
	cmd.Dir = h.cfg.ProjectDir
	// Stdout may carry the protocol; tool output goes to stderr.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	h.log.InfoContext(ctx, "host: building", slog.String("make", h.cfg.Make), slog.Any("args", args))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("host: %s %v: %w", h.cfg.Make, args, err)
	}
	return nil
}

// Flash does nothing on the host platform.
func (h *Handler) Flash(ctx context.Context, opts projectapi.Options) error {
	_, err := h.options(opts)
	return err
}

func (h *Handler) targetPath() string {
	if filepath.IsAbs(h.cfg.BuildTarget) {
		return h.cfg.BuildTarget
	}
	return filepath.Join(h.cfg.ProjectDir, h.cfg.BuildTarget)
}

func (h *Handler) ConnectTransport(ctx context.Context, opts projectapi.Options) (projectapi.TransportTimeouts, error) {
	if _, err := h.options(opts); err != nil {
		return projectapi.TransportTimeouts{}, err
	}
	if err := h.DisconnectTransport(ctx); err != nil {
		return projectapi.TransportTimeouts{}, err
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return projectapi.TransportTimeouts{}, fmt.Errorf("host: connect: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return projectapi.TransportTimeouts{}, fmt.Errorf("host: connect: %w", err)
	}

	cmd := exec.Command(h.targetPath())
	cmd.Dir = h.cfg.ProjectDir
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr
	err = cmd.Start()
	// The child holds its own copies now.
	_ = stdinR.Close()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdinW.Close()
		_ = stdoutR.Close()
		return projectapi.TransportTimeouts{}, fmt.Errorf("host: start %s: %w", h.targetPath(), err)
	}

	tr, err := transport.NewFdTransport(stdoutR, stdinW)
	if err != nil {
		_ = stdinW.Close()
		_ = stdoutR.Close()
		terminate(cmd)
		return projectapi.TransportTimeouts{}, err
	}

	s := &session{id: uuid.NewString(), cmd: cmd, tr: tr}
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.id, Kind: "subprocess"})
	h.log.InfoContext(ctx, "host: transport connected", slog.Int("pid", cmd.Process.Pid))
	return projectapi.TransportTimeouts{}, nil
}

func (h *Handler) DisconnectTransport(ctx context.Context) error {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.mu.Unlock()
	if s == nil {
		return nil
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.id, Kind: "subprocess"})
	_ = s.tr.Close()
	terminate(s.cmd)
	h.log.InfoContext(ctx, "host: transport disconnected")
	return nil
}

// terminate sends SIGTERM, then SIGKILL if the process outlives the grace
// period, and reaps it.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(terminateGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}

func (h *Handler) current() *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *Handler) ReadTransport(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	s := h.current()
	if s == nil {
		return nil, &transport.OpError{Op: "read", Err: transport.ErrClosed}
	}
	data, err := s.tr.Read(n, timeout)
	if errors.Is(err, transport.ErrClosed) {
		_ = h.DisconnectTransport(ctx)
	}
	return data, err
}

func (h *Handler) WriteTransport(ctx context.Context, data []byte, timeout time.Duration) (int, error) {
	s := h.current()
	if s == nil {
		return 0, &transport.OpError{Op: "write", Err: transport.ErrClosed}
	}
	n, err := s.tr.Write(data, timeout)
	if errors.Is(err, transport.ErrClosed) {
		_ = h.DisconnectTransport(ctx)
	}
	return n, err
}

// Close releases any open transport session.
func (h *Handler) Close() error {
	return h.DisconnectTransport(context.Background())
}

var (
	_ projectapi.Handler = (*Handler)(nil)
	_ io.Closer          = (*Handler)(nil)
)
