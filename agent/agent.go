// Package agent is the shared entry point of project agent binaries: it
// parses the standard flags, configures logging and serves a Handler over
// the pipe pair its launcher passed in.
package agent

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/projectapi-go/internal/logctx"
	"github.com/ggoodman/projectapi-go/projectapi"
)

// Config is read from the environment.
type Config struct {
	// LogLevel overrides the level chosen by --debug. ENV: PROJECTAPI_LOG_LEVEL
	LogLevel string `env:"PROJECTAPI_LOG_LEVEL"`
	// LogFormat is "text" or "json". ENV: PROJECTAPI_LOG_FORMAT
	LogFormat string `env:"PROJECTAPI_LOG_FORMAT,default=text"`
}

// LoadConfig decodes Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("agent: decode environment: %w", err)
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	return cfg, nil
}

// NewLogger builds the agent logger. Agents log to w, never to the protocol
// streams.
func NewLogger(w io.Writer, debug bool, cfg Config) (*slog.Logger, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("agent: PROJECTAPI_LOG_LEVEL: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("agent: PROJECTAPI_LOG_FORMAT: unknown format %q", cfg.LogFormat)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

// Factory constructs the handler an agent serves.
type Factory func(log *slog.Logger) (projectapi.Handler, error)

// Run parses args (without the program name), then serves the handler built
// by newHandler until its request stream ends. Handlers implementing
// io.Closer are closed on the way out.
func Run(ctx context.Context, name string, args []string, stderr io.Writer, newHandler Factory) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	readFD := fs.Int("read-fd", -1, "file descriptor to read requests from (default stdin)")
	writeFD := fs.Int("write-fd", -1, "file descriptor to write replies to (default stdout)")
	debug := fs.Bool("debug", false, "enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%s: unexpected arguments: %s", name, strings.Join(fs.Args(), " "))
	}

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log, err := NewLogger(stderr, *debug, cfg)
	if err != nil {
		return err
	}
	log = log.With(slog.String("agent", name), slog.String("instance", uuid.NewString()))

	r, err := openFD(*readFD, os.Stdin, "requests")
	if err != nil {
		return err
	}
	if r != os.Stdin {
		defer r.Close()
	}
	w, err := openFD(*writeFD, os.Stdout, "replies")
	if err != nil {
		return err
	}
	if w != os.Stdout {
		defer w.Close()
	}

	h, err := newHandler(log)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if c, ok := h.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				log.Warn("agent: close handler", slog.String("err", err.Error()))
			}
		}()
	}

	log.Debug("agent: serving")
	srv := projectapi.NewServer(h, projectapi.WithIO(r, w), projectapi.WithLogger(log))
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Main runs the agent with os.Args and exits.
func Main(name string, newHandler Factory) {
	if err := Run(context.Background(), name, os.Args[1:], os.Stderr, newHandler); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func openFD(fd int, fallback *os.File, what string) (*os.File, error) {
	if fd < 0 {
		return fallback, nil
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("fd%d", fd))
	if f == nil {
		return nil, fmt.Errorf("agent: %s: invalid file descriptor %d", what, fd)
	}
	return f, nil
}
