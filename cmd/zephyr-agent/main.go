// Command zephyr-agent serves the Project API for Zephyr RTOS boards.
package main

import (
	"log/slog"

	"github.com/ggoodman/projectapi-go/agent"
	"github.com/ggoodman/projectapi-go/platforms/zephyr"
	"github.com/ggoodman/projectapi-go/projectapi"
)

func main() {
	agent.Main("zephyr-agent", func(log *slog.Logger) (projectapi.Handler, error) {
		cfg, err := zephyr.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return zephyr.New(cfg, zephyr.WithLogger(log))
	})
}
