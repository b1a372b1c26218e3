// Command jsonrpcd is the production entrypoint for the JSON-RPC runtime:
// a thin wrapper that loads configuration, builds a logger, and hands off
// to internal/server.Run.
package main

import (
	"log"
	"os"
	"runtime"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/jsonrpc2/internal/monitoring"
	"github.com/adred-codev/jsonrpc2/internal/server"
)

func main() {
	startupLog := log.New(os.Stdout, "[jsonrpcd] ", log.LstdFlags)
	startupLog.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := server.LoadConfig(nil)
	if err != nil {
		startupLog.Fatalf("failed to load configuration: %v", err)
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   monitoring.LogLevel(cfg.LogLevel),
		Format:  monitoring.LogFormat(cfg.LogFormat),
		Service: "jsonrpcd",
	})
	cfg.LogConfig(logger)

	if err := server.Run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
}
