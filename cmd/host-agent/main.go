// Command host-agent serves the Project API for the host platform. Copied into
// a generated project as microtvm_api_server, it builds and runs the project
// as a local process.
package main

import (
	"log/slog"

	"github.com/ggoodman/projectapi-go/agent"
	"github.com/ggoodman/projectapi-go/platforms/host"
	"github.com/ggoodman/projectapi-go/projectapi"
)

func main() {
	agent.Main("host-agent", func(log *slog.Logger) (projectapi.Handler, error) {
		cfg, err := host.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return host.New(cfg, host.WithLogger(log))
	})
}
