package projectapi

import (
	"github.com/ggoodman/projectapi-go/transport"
)

// ProtocolVersion is stamped into every ServerInfo reply.
const ProtocolVersion = 1

// Method names recognized by the Server.
const (
	MethodServerInfoQuery     = "server_info_query"
	MethodGenerateProject     = "generate_project"
	MethodBuild               = "build"
	MethodFlash               = "flash"
	MethodConnectTransport    = "connect_transport"
	MethodDisconnectTransport = "disconnect_transport"
	MethodReadTransport       = "read_transport"
	MethodWriteTransport      = "write_transport"
)

// ProjectOption is a named, documented configuration knob a handler accepts.
type ProjectOption struct {
	Name string `json:"name"`
	Help string `json:"help"`
}

// ServerInfo describes an agent. It is returned once per session by
// server_info_query.
type ServerInfo struct {
	PlatformName           string          `json:"platform_name"`
	IsTemplate             bool            `json:"is_template"`
	ModelLibraryFormatPath string          `json:"model_library_format_path"`
	ProjectOptions         []ProjectOption `json:"project_options"`
	ProtocolVersion        int             `json:"protocol_version"`
}

// Options carries caller-supplied option values keyed by ProjectOption.Name.
type Options map[string]any

// TransportTimeouts is returned by connect_transport.
type TransportTimeouts = transport.Timeouts

// Method parameters. A field without omitempty is a declared, required
// parameter; nothing else is accepted.

type ServerInfoQueryParams struct{}

type GenerateProjectParams struct {
	ModelLibraryFormatPath string  `json:"model_library_format_path" jsonschema:"description=Path to the Model Library Format archive."`
	StandaloneCRTDir       string  `json:"standalone_crt_dir" jsonschema:"description=Path to the standalone C runtime sources."`
	ProjectDir             string  `json:"project_dir" jsonschema:"description=Directory to create the generated project in."`
	Options                Options `json:"options"`
}

type BuildParams struct {
	Options Options `json:"options"`
}

type FlashParams struct {
	Options Options `json:"options"`
}

type ConnectTransportParams struct {
	Options Options `json:"options"`
}

type DisconnectTransportParams struct{}

type ReadTransportParams struct {
	N          int      `json:"n" jsonschema:"minimum=1,description=Maximum number of bytes to return."`
	TimeoutSec *float64 `json:"timeout_sec" jsonschema:"description=Seconds to wait; null blocks; 0 polls once."`
}

type WriteTransportParams struct {
	Data       []byte   `json:"data" jsonschema:"description=Base64 payload."`
	TimeoutSec *float64 `json:"timeout_sec" jsonschema:"description=Seconds to wait; null blocks; 0 polls once."`
}

// Method results.

type ConnectTransportResult struct {
	Timeouts TransportTimeouts `json:"timeouts"`
}

type ReadTransportResult struct {
	Data []byte `json:"data"`
}

type WriteTransportResult struct {
	BytesWritten int `json:"bytes_written"`
}
