package projectapi

import (
	"context"
	"time"
)

// Handler is the capability set a project agent implements. Every method is
// a plain synchronous call; the Server converts returned errors into error
// replies. Timeouts follow the transport package convention.
type Handler interface {
	ServerInfoQuery(ctx context.Context) (ServerInfo, error)
	GenerateProject(ctx context.Context, modelLibraryFormatPath, standaloneCRTDir, projectDir string, opts Options) error
	Build(ctx context.Context, opts Options) error
	Flash(ctx context.Context, opts Options) error
	ConnectTransport(ctx context.Context, opts Options) (TransportTimeouts, error)
	// DisconnectTransport must succeed when no session is open.
	DisconnectTransport(ctx context.Context) error
	ReadTransport(ctx context.Context, n int, timeout time.Duration) ([]byte, error)
	WriteTransport(ctx context.Context, data []byte, timeout time.Duration) (int, error)
}
