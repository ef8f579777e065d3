// Package zephyr implements the project agent for Zephyr RTOS boards. It
// builds with CMake, flashes with the board's flash runner and reaches the
// device over a serial port, an emulated QEMU FIFO pair or a remote
// websocket bridge.
package zephyr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/projectapi-go/internal/devnode"
	"github.com/ggoodman/projectapi-go/internal/logctx"
	"github.com/ggoodman/projectapi-go/internal/projectfile"
	"github.com/ggoodman/projectapi-go/projectapi"
	"github.com/ggoodman/projectapi-go/transport"
	"github.com/ggoodman/projectapi-go/transport/wstransport"
)

// PlatformName is reported in ServerInfo.
const PlatformName = "zephyr"

// ModelLibraryFormatRelPath is where a generated project keeps its model
// archive. Its presence marks the directory as generated.
const ModelLibraryFormatRelPath = "model.tar"

// DefaultBaud is used when serial_baud is not given.
const DefaultBaud = 115200

// ProjectOptions are the options the zephyr agent accepts.
var ProjectOptions = []projectapi.ProjectOption{
	{Name: "gdbserver_port", Help: "If given, port number to use when running the local gdbserver"},
	{Name: "openocd_serial", Help: "When used with OpenOCD targets, serial # of the attached board to use"},
	{Name: "nrfjprog_snr", Help: "When used with nRF targets, serial # of the attached board to use, from nrfjprog"},
	{Name: "verbose", Help: "Run build with verbose output"},
	{Name: "west_cmd", Help: "Path to the west tool. If given, supersedes both the zephyr_base option and ZEPHYR_BASE environment variable."},
	{Name: "zephyr_base", Help: "Path to the zephyr base directory."},
	{Name: "zephyr_board", Help: "Name of the Zephyr board to build for"},
	{Name: "serial_port", Help: "Serial device the board's console UART is attached to"},
	{Name: "serial_baud", Help: "Baud rate of the console UART (default 115200)"},
	{Name: "remote_transport_url", Help: "Websocket URL of a remote transport bridge; replaces the local serial port"},
}

var deviceTimeouts = transport.Timeouts{
	SessionStartRetryTimeoutSec:  2,
	SessionStartTimeoutSec:       5,
	SessionEstablishedTimeoutSec: 5,
}

// Config for the zephyr agent. Defaults can be loaded via envdecode.
type Config struct {
	// ProjectDir is the template or generated project the agent serves.
	// Defaults to the directory holding the agent executable.
	// ENV: PROJECTAPI_PROJECT_DIR
	ProjectDir string `env:"PROJECTAPI_PROJECT_DIR"`
	// ZephyrBase is used when the zephyr_base option is not given.
	// ENV: ZEPHYR_BASE
	ZephyrBase string `env:"ZEPHYR_BASE"`
	// CMake is the cmake program. ENV: PROJECTAPI_CMAKE
	CMake string `env:"PROJECTAPI_CMAKE,default=cmake"`
	// Make is the make program. ENV: PROJECTAPI_MAKE
	Make string `env:"PROJECTAPI_MAKE,default=make"`
	// Nrfjprog is the Nordic command line tool. ENV: PROJECTAPI_NRFJPROG
	Nrfjprog string `env:"PROJECTAPI_NRFJPROG,default=nrfjprog"`
	// SerialWait bounds the wait for the serial device node to appear.
	// ENV: PROJECTAPI_SERIAL_WAIT
	SerialWait time.Duration `env:"PROJECTAPI_SERIAL_WAIT,default=10s"`
}

// ConfigFromEnv builds a Config using envdecode.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("zephyr: decode environment: %w", err)
	}
	return cfg, nil
}

// Handler is the zephyr platform projectapi.Handler.
type Handler struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	session *session
}

type session struct {
	id   string
	kind string
	tr   transport.Transport
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
			return nil, fmt.Errorf("zephyr: locate project dir: %w", err)
		}
		cfg.ProjectDir = filepath.Dir(exe)
	}
	abs, err := filepath.Abs(cfg.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("zephyr: project dir: %w", err)
	}
	cfg.ProjectDir = abs
	if cfg.CMake == "" {
		cfg.CMake = "cmake"
	}
	if cfg.Make == "" {
		cfg.Make = "make"
	}
	if cfg.Nrfjprog == "" {
		cfg.Nrfjprog = "nrfjprog"
	}
	if cfg.SerialWait <= 0 {
		cfg.SerialWait = 10 * time.Second
	}

	h := &Handler{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) buildDir() string { return filepath.Join(h.cfg.ProjectDir, "build") }

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

// board returns zephyr_board, which every build-related call needs.
func board(opts projectapi.Options) (string, error) {
	b, err := opts.String("zephyr_board")
	if err != nil {
		return "", err
	}
	if b == "" {
		return "", fmt.Errorf("%w: zephyr_board is required", projectapi.ErrInvalidOption)
	}
	return b, nil
}

func isQEMU(board string) bool { return strings.Contains(board, "qemu") }

// optionText renders a string or numeric option, since serial numbers and
// ports arrive as either.
func optionText(opts projectapi.Options, name string) string {
	switch v := opts[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (h *Handler) run(ctx context.Context, dir string, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}
	// Stdout may carry the protocol; tool output goes to stderr.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	h.log.InfoContext(ctx, "zephyr: run", slog.String("cwd", dir), slog.String("cmd", name), slog.Any("args", args))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("zephyr: %s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
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
	b, err := board(opts)
	if err != nil {
		return err
	}
	verbose, err := opts.Bool("verbose")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(h.buildDir(), 0o755); err != nil {
		return fmt.Errorf("zephyr: build: %w", err)
	}

	args := []string{".."}
	if verbose {
		args = append(args, "-DCMAKE_VERBOSE_MAKEFILE:BOOL=TRUE")
	}
	zephyrBase := optionText(opts, "zephyr_base")
	if zephyrBase == "" {
		zephyrBase = h.cfg.ZephyrBase
	}
	if zephyrBase != "" {
		args = append(args, "-DZEPHYR_BASE:STRING="+zephyrBase)
	}
	if west := optionText(opts, "west_cmd"); west != "" {
		args = append(args, "-DWEST="+west)
	}
	// Boards run under QEMU may carry a -qemu suffix Zephyr itself does not know.
	args = append(args, "-DBOARD:STRING="+strings.Replace(b, "-qemu", "", 1))
	if err := h.run(ctx, h.buildDir(), nil, h.cfg.CMake, args...); err != nil {
		return err
	}

	makeArgs := []string{"-j2"}
	if verbose {
		makeArgs = append(makeArgs, "VERBOSE=1")
	}
	return h.run(ctx, h.buildDir(), nil, h.cfg.Make, makeArgs...)
}

func (h *Handler) cmakeCache() (CMakeCache, error) {
	cache, err := ReadCMakeCache(filepath.Join(h.buildDir(), "CMakeCache.txt"))
	if err != nil {
		return nil, fmt.Errorf("zephyr: project not built: %w", err)
	}
	return cache, nil
}

func (h *Handler) Flash(ctx context.Context, opts projectapi.Options) error {
	opts, err := h.options(opts)
	if err != nil {
		return err
	}
	b, err := board(opts)
	if err != nil {
		return err
	}
	if isQEMU(b) {
		// The emulator is started by connect_transport.
		return nil
	}

	cache, err := h.cmakeCache()
	if err != nil {
		return err
	}
	runner, err := cache.FlashRunner()
	if err != nil {
		return err
	}
	// Readback protection on the nRF5340 DK must be cleared before each flash.
	if strings.HasPrefix(b, "nrf5340dk") && runner == "nrfjprog" {
		devArgs, err := h.nrfDeviceArgs(ctx, opts)
		if err != nil {
			return err
		}
		if err := h.run(ctx, h.buildDir(), nil, h.cfg.Nrfjprog, append([]string{"--recover"}, devArgs...)...); err != nil {
			return err
		}
	}
	return h.run(ctx, h.buildDir(), nil, h.cfg.Make, "flash")
}

func (h *Handler) ConnectTransport(ctx context.Context, opts projectapi.Options) (projectapi.TransportTimeouts, error) {
	opts, err := h.options(opts)
	if err != nil {
		return projectapi.TransportTimeouts{}, err
	}
	b, err := board(opts)
	if err != nil {
		return projectapi.TransportTimeouts{}, err
	}
	if err := h.DisconnectTransport(ctx); err != nil {
		return projectapi.TransportTimeouts{}, err
	}

	s := &session{id: uuid.NewString()}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.id})
	timeouts := deviceTimeouts
	switch url := optionText(opts, "remote_transport_url"); {
	case isQEMU(b):
		s.kind = "qemu"
		port, err := opts.Int("gdbserver_port", 0)
		if err != nil {
			return projectapi.TransportTimeouts{}, err
		}
		tr, err := openQEMU(ctx, qemuConfig{make: h.cfg.Make, buildDir: h.buildDir(), gdbserverPort: port, log: h.log})
		if err != nil {
			return projectapi.TransportTimeouts{}, err
		}
		s.tr = tr
		timeouts = qemuTimeouts
	case url != "":
		s.kind = "remote"
		tr, err := wstransport.Dial(ctx, url)
		if err != nil {
			return projectapi.TransportTimeouts{}, err
		}
		s.tr = tr
	default:
		s.kind = "serial"
		tr, err := h.openSerial(ctx, opts)
		if err != nil {
			return projectapi.TransportTimeouts{}, err
		}
		s.tr = tr
	}

	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
	h.log.InfoContext(ctx, "zephyr: transport connected", slog.String("kind", s.kind), slog.String("board", b))
	return timeouts, nil
}

func (h *Handler) openSerial(ctx context.Context, opts projectapi.Options) (transport.Transport, error) {
	port := optionText(opts, "serial_port")
	if port == "" {
		cache, err := h.cmakeCache()
		if err != nil {
			return nil, err
		}
		runner, err := cache.FlashRunner()
		if err != nil {
			return nil, err
		}
		if runner != "nrfjprog" {
			return nil, projectapi.Errorf(KindBoardError, "serial_port is required for flash runner %s", runner)
		}
		if port, err = h.nrfSerialPort(ctx, opts); err != nil {
			return nil, err
		}
	}
	baud, err := opts.Int("serial_baud", DefaultBaud)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.SerialWait)
	defer cancel()
	if err := devnode.Wait(waitCtx, port); err != nil {
		return nil, projectapi.Errorf(KindBoardError, "serial port %s: %w", port, err)
	}
	return transport.OpenSerial(port, baud)
}

func (h *Handler) DisconnectTransport(ctx context.Context) error {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.mu.Unlock()
	if s == nil {
		return nil
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.id, Kind: s.kind})
	if err := s.tr.Close(); err != nil {
		h.log.WarnContext(ctx, "zephyr: close transport", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "zephyr: transport disconnected")
	return nil
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
