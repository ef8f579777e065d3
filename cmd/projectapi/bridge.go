package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/projectapi-go/project"
	"github.com/ggoodman/projectapi-go/projectapi"
	"github.com/ggoodman/projectapi-go/transport"
	"github.com/ggoodman/projectapi-go/transport/wstransport"
)

// TransportPath is where bridge serves the websocket endpoint.
const TransportPath = "/transport"

func runBridge(ctx context.Context, e *env, args []string) error {
	f := newFlags(e, "bridge")
	listen := f.String("listen", e.cfg.BridgeListen, "address to listen on (env PROJECTAPI_BRIDGE_LISTEN)")
	if err := f.parse(args, 1, "PROJECT_DIR"); err != nil {
		return err
	}
	gen, err := project.OpenGenerated(ctx, f.Arg(0), projectapi.Options(f.options), e.launchOptions(f)...)
	if err != nil {
		return err
	}
	defer gen.Close()

	bridge := wstransport.NewBridge(func(r *http.Request) (transport.Transport, error) {
		tr := gen.Transport()
		if _, err := tr.Open(r.Context()); err != nil {
			return nil, err
		}
		return tr, nil
	}, wstransport.WithBridgeLogger(e.log))

	mux := http.NewServeMux()
	mux.Handle(TransportPath, bridge)
	srv := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	e.log.InfoContext(ctx, "bridge: listening", slog.String("addr", *listen), slog.String("path", TransportPath), slog.String("project", gen.Dir()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
