package zephyr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ggoodman/projectapi-go/transport"
)

// wakeupMarker is printed by the firmware once its RPC server is listening.
var wakeupMarker = []byte("\xfe\xff\xfd\x03\x00\x00\x00\x00\x00\x02fw")

// qemuQuit is the QEMU monitor chord sent through the escape channel.
const qemuQuit = 'x'

var qemuTimeouts = transport.Timeouts{
	SessionStartRetryTimeoutSec:  2,
	SessionStartTimeoutSec:       5,
	SessionEstablishedTimeoutSec: 5,
}

const (
	qemuQuitTimeout = time.Second
	qemuExitGrace   = 5 * time.Second
)

// qemuTransport runs the emulator via `make run` and talks to it over a
// FIFO pair. Bytes written are escaped for the QEMU mux and nothing is
// returned until the firmware has printed its wakeup marker.
type qemuTransport struct {
	log *slog.Logger

	mu      sync.Mutex
	dir     string
	cmd     *exec.Cmd
	fd      *transport.FdTransport
	escape  *transport.EscapeTransport
	wakeup  *transport.WakeupTransport
	stopped bool
}

type qemuConfig struct {
	make          string
	buildDir      string
	gdbserverPort int
	log           *slog.Logger
}

func openQEMU(ctx context.Context, cfg qemuConfig) (*qemuTransport, error) {
	dir, err := os.MkdirTemp("", "zephyr-qemu-")
	if err != nil {
		return nil, &transport.OpError{Op: "open", Err: err}
	}
	t := &qemuTransport{log: cfg.log, dir: dir}

	pipe := filepath.Join(dir, "fifo")
	for _, p := range []string{pipe + ".in", pipe + ".out"} {
		if err := unix.Mkfifo(p, 0o600); err != nil {
			_ = t.Close()
			return nil, &transport.OpError{Op: "open", Err: fmt.Errorf("mkfifo %s: %w", p, err)}
		}
	}

	cmd := exec.Command(cfg.make, "run", "QEMU_PIPE="+pipe)
	cmd.Dir = cfg.buildDir
	// Stdout carries the protocol; keep emulator noise off it.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if cfg.gdbserverPort > 0 {
		cmd.Env = append(os.Environ(), "TVM_QEMU_GDBSERVER_PORT="+strconv.Itoa(cfg.gdbserverPort))
	}
	if err := cmd.Start(); err != nil {
		_ = t.Close()
		return nil, &transport.OpError{Op: "open", Err: fmt.Errorf("%s run: %w", cfg.make, err)}
	}
	t.cmd = cmd
	cfg.log.InfoContext(ctx, "zephyr: qemu started", slog.Int("pid", cmd.Process.Pid), slog.String("pipe", pipe))

	// Both FIFOs are opened read-write so poll does not report the read side
	// ready before the emulator has opened it.
	r, err := os.OpenFile(pipe+".out", os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		_ = t.Close()
		return nil, &transport.OpError{Op: "open", Err: err}
	}
	w, err := os.OpenFile(pipe+".in", os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		_ = r.Close()
		_ = t.Close()
		return nil, &transport.OpError{Op: "open", Err: err}
	}
	fd, err := transport.NewFdTransport(r, w)
	if err != nil {
		_ = r.Close()
		_ = w.Close()
		_ = t.Close()
		return nil, err
	}
	t.fd = fd
	t.escape = transport.NewEscapeTransport(fd, transport.DefaultEscapeByte)
	t.wakeup, err = transport.NewWakeupTransport(t.escape, wakeupMarker)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (t *qemuTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	return t.wakeup.Read(n, timeout)
}

func (t *qemuTransport) Write(data []byte, timeout time.Duration) (int, error) {
	return t.wakeup.Write(data, timeout)
}

// Close asks the emulator to quit, falling back to SIGTERM, then SIGKILL
// after a grace period. The FIFO directory is removed. Closing twice is not
// an error.
func (t *qemuTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true

	quit := false
	if t.escape != nil {
		err := t.escape.WriteControlSequence(qemuQuit, qemuQuitTimeout)
		quit = err == nil
		if err != nil && !errors.Is(err, transport.ErrTimeout) && !errors.Is(err, transport.ErrClosed) {
			t.log.Warn("zephyr: qemu quit", slog.String("err", err.Error()))
		}
	}
	if t.fd != nil {
		_ = t.fd.Close()
	}

	if t.cmd != nil && t.cmd.Process != nil {
		if !quit {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
		}
		done := make(chan struct{})
		go func() {
			_ = t.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(qemuExitGrace):
			_ = t.cmd.Process.Kill()
			<-done
		}
	}

	if t.dir != "" {
		if err := os.RemoveAll(t.dir); err != nil {
			return fmt.Errorf("zephyr: remove %s: %w", t.dir, err)
		}
	}
	return nil
}

var _ transport.Transport = (*qemuTransport)(nil)
