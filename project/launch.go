// Package project is the orchestrator side of the Project API: it launches
// the agent that lives in a project directory and wraps it in template and
// generated project views.
package project

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
	"time"

	"github.com/ggoodman/projectapi-go/projectapi"
)

const (
	// ServerFileName is the agent executable inside a project directory.
	ServerFileName = "microtvm_api_server"
	// LaunchScriptFileName is a shell script that starts the agent, used when
	// the directory holds no agent executable.
	LaunchScriptFileName = "launch_microtvm_api_server.sh"
)

// DefaultCloseGrace is how long Close waits for the agent to exit after its
// request stream is closed.
const DefaultCloseGrace = 5 * time.Second

// ErrServerNotFound is returned by Launch when the directory holds neither an
// agent executable nor a launch script.
var ErrServerNotFound = errors.New("project: no Project API server found")

// LaunchOption customizes Launch.
type LaunchOption func(*launchConfig)

type launchConfig struct {
	debug  bool
	log    *slog.Logger
	stderr io.Writer
	env    []string
	grace  time.Duration
}

// WithDebug passes --debug to the agent.
func WithDebug(debug bool) LaunchOption {
	return func(c *launchConfig) { c.debug = debug }
}

// WithLogger sets the logger used by Launch and the Client. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) LaunchOption {
	return func(c *launchConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithStderr receives the agent's stdout and stderr. Defaults to os.Stderr.
func WithStderr(w io.Writer) LaunchOption {
	return func(c *launchConfig) {
		if w != nil {
			c.stderr = w
		}
	}
}

// WithEnv adds KEY=VALUE entries to the agent's environment.
func WithEnv(env ...string) LaunchOption {
	return func(c *launchConfig) { c.env = append(c.env, env...) }
}

// WithCloseGrace overrides DefaultCloseGrace.
func WithCloseGrace(d time.Duration) LaunchOption {
	return func(c *launchConfig) {
		if d > 0 {
			c.grace = d
		}
	}
}

// Agent is a running agent process and the Client connected to it.
type Agent struct {
	client *projectapi.Client
	cmd    *exec.Cmd
	req    *os.File
	rep    *os.File
	grace  time.Duration
	log    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// FindServer returns the command that starts the agent in dir.
func FindServer(dir string) (string, error) {
	server := filepath.Join(dir, ServerFileName)
	if fi, err := os.Stat(server); err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0 {
		return server, nil
	}
	script := filepath.Join(dir, LaunchScriptFileName)
	if _, err := os.Stat(script); err == nil {
		return script, nil
	}
	return "", fmt.Errorf("%w in %s: tried %s, %s", ErrServerNotFound, dir, ServerFileName, LaunchScriptFileName)
}

// Launch starts the agent found in dir. The agent reads requests from fd 3
// and writes replies to fd 4.
func Launch(ctx context.Context, dir string, opts ...LaunchOption) (*Agent, error) {
	cfg := launchConfig{log: slog.Default(), stderr: os.Stderr, grace: DefaultCloseGrace}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	server, err := FindServer(dir)
	if err != nil {
		return nil, err
	}

	agentR, hostW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("project: launch: %w", err)
	}
	hostR, agentW, err := os.Pipe()
	if err != nil {
		_ = agentR.Close()
		_ = hostW.Close()
		return nil, fmt.Errorf("project: launch: %w", err)
	}

	args := []string{"--read-fd", "3", "--write-fd", "4"}
	if cfg.debug {
		args = append(args, "--debug")
	}
	cmd := exec.Command(server, args...)
	cmd.Dir = dir
	cmd.Stdout = cfg.stderr
	cmd.Stderr = cfg.stderr
	cmd.ExtraFiles = []*os.File{agentR, agentW}
	if len(cfg.env) > 0 {
		cmd.Env = append(os.Environ(), cfg.env...)
	}
	err = cmd.Start()
	_ = agentR.Close()
	_ = agentW.Close()
	if err != nil {
		_ = hostR.Close()
		_ = hostW.Close()
		return nil, fmt.Errorf("project: start %s: %w", server, err)
	}
	cfg.log.InfoContext(ctx, "project: agent started", slog.String("server", server), slog.Int("pid", cmd.Process.Pid))

	return &Agent{
		client: projectapi.NewClient(hostR, hostW, projectapi.WithClientLogger(cfg.log)),
		cmd:    cmd,
		req:    hostW,
		rep:    hostR,
		grace:  cfg.grace,
		log:    cfg.log,
	}, nil
}

// Client returns the Client connected to the agent.
func (a *Agent) Client() *projectapi.Client { return a.client }

// Close ends the agent's request stream and waits for it to exit, killing it
// once the grace period has passed. It returns the agent's exit error.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		_ = a.req.Close()

		done := make(chan error, 1)
		go func() { done <- a.cmd.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				a.closeErr = fmt.Errorf("project: agent exit: %w", err)
			}
		case <-time.After(a.grace):
			a.log.Warn("project: agent did not exit, killing", slog.Int("pid", a.cmd.Process.Pid))
			_ = a.cmd.Process.Kill()
			<-done
			a.closeErr = fmt.Errorf("project: agent killed after %s", a.grace)
		}
		_ = a.rep.Close()
	})
	return a.closeErr
}
