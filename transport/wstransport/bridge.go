package wstransport

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/projectapi-go/transport"
)

const (
	bridgeReadSize = 4096
	bridgePoll     = 100 * time.Millisecond
)

// OpenFunc opens the local transport a Bridge exposes for one websocket peer.
type OpenFunc func(r *http.Request) (transport.Transport, error)

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the logger used by the bridge. Defaults to
// slog.Default().
func WithBridgeLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) BridgeOption {
	return func(b *Bridge) { b.upgrader.CheckOrigin = fn }
}

// Bridge is an http.Handler that upgrades a request to a websocket and pumps
// bytes between it and a local transport. Only one peer is served at a time;
// a second concurrent peer is refused with 409.
type Bridge struct {
	open     OpenFunc
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	busy bool
}

// NewBridge returns a Bridge that calls open for every accepted peer.
func NewBridge(open OpenFunc, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		open: open,
		log:  slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bridgeReadSize,
			WriteBufferSize: bridgeReadSize,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy {
		return false
	}
	b.busy = true
	return true
}

func (b *Bridge) release() {
	b.mu.Lock()
	b.busy = false
	b.mu.Unlock()
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !b.acquire() {
		http.Error(w, "transport already in use", http.StatusConflict)
		return
	}
	defer b.release()

	local, err := b.open(r)
	if err != nil {
		b.log.Error("bridge: open local transport", slog.String("err", err.Error()))
		http.Error(w, "open transport: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer local.Close()

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		b.log.Warn("bridge: upgrade failed", slog.String("err", err.Error()))
		return
	}
	conn := New(ws)
	defer conn.Close()

	log := b.log.With(slog.String("session", uuid.NewString()), slog.String("remote", r.RemoteAddr))
	log.Info("bridge: peer connected")

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stop()
		if err := pump(local, conn, done); err != nil {
			log.Debug("bridge: local to peer stopped", slog.String("err", err.Error()))
		}
	}()
	go func() {
		defer wg.Done()
		defer stop()
		if err := pump(conn, local, done); err != nil {
			log.Debug("bridge: peer to local stopped", slog.String("err", err.Error()))
		}
	}()
	<-done
	// Unblock whichever side is still waiting.
	_ = conn.Close()
	_ = local.Close()
	wg.Wait()
	log.Info("bridge: peer disconnected")
}

// pump copies from src to dst until either side closes or done is closed.
// Reads use a short timeout so done is observed promptly.
func pump(src, dst transport.Transport, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}
		data, err := src.Read(bridgeReadSize, bridgePoll)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		for len(data) > 0 {
			n, err := dst.Write(data, bridgePoll)
			if errors.Is(err, transport.ErrTimeout) {
				select {
				case <-done:
					return nil
				default:
				}
				continue
			}
			if err != nil {
				return err
			}
			data = data[n:]
		}
	}
}
