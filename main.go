package main

import (
	"flag"
	"log"
	"os"
	"runtime"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/jsonrpc2/internal/monitoring"
	"github.com/adred-codev/jsonrpc2/internal/server"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLog := log.New(os.Stdout, "[jsonrpc2] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from the container CPU quota (it rounds
	// down, e.g. 1.5 cores -> GOMAXPROCS=1).
	startupLog.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := server.LoadConfig(nil)
	if err != nil {
		startupLog.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   monitoring.LogLevel(cfg.LogLevel),
		Format:  monitoring.LogFormat(cfg.LogFormat),
		Service: "jsonrpc2",
	})
	cfg.LogConfig(logger)

	if err := server.Run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
}
