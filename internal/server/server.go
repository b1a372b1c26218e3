package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/jsonrpc2/internal/broker"
	"github.com/adred-codev/jsonrpc2/internal/limits"
	"github.com/adred-codev/jsonrpc2/internal/monitoring"
	"github.com/adred-codev/jsonrpc2/internal/rpc/accept"
	"github.com/adred-codev/jsonrpc2/internal/rpc/exec"
	"github.com/adred-codev/jsonrpc2/internal/rpc/httpconn"
	"github.com/adred-codev/jsonrpc2/internal/rpc/registry"
	"github.com/adred-codev/jsonrpc2/internal/rpc/wsconn"
)

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitCSV(csv string) []string {
	result := []string{}
	for _, v := range strings.Split(csv, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func batchModeFrom(cfg *Config) exec.BatchMode {
	switch cfg.BatchMode {
	case "disabled":
		return exec.BatchMode{Kind: exec.BatchDisabled}
	case "unlimited":
		return exec.BatchMode{Kind: exec.BatchUnlimited}
	default:
		return exec.BatchMode{Kind: exec.BatchLimited, Limit: cfg.BatchLimit}
	}
}

// Run builds every component (registry, pipeline, broker, transports,
// metrics) from cfg and serves until a shutdown signal arrives or a
// listener fails irrecoverably. It blocks until shutdown completes.
func Run(cfg *Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memLimit := cfg.MemoryLimit
	if memLimit <= 0 {
		if detected, err := limits.DetectMemoryLimit(); err == nil && detected > 0 {
			memLimit = detected
			logger.Info().Int64("memory_limit_bytes", memLimit).Msg("detected container memory limit")
		}
	}

	maxConnections := cfg.MaxConnections
	if maxConnections <= 0 {
		maxConnections = limits.DefaultMaxConnections(memLimit)
		logger.Info().Int("max_connections", maxConnections).Msg("derived max connections from memory limit")
	}

	reg := registry.New()
	if err := reg.RegisterIntrospection(); err != nil {
		return fmt.Errorf("register introspection method: %w", err)
	}

	natsBroker, err := broker.Connect(broker.Config{
		URLs:          splitCSV(cfg.NATSURLs),
		SubjectPrefix: cfg.NATSSubjectPrefix,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer natsBroker.Close()

	if err := reg.InsertSubscription("subscribe_events", "events_notification", "unsubscribe_events", natsBroker.Subscribe); err != nil {
		return fmt.Errorf("register subscribe_events: %w", err)
	}

	snapshot := reg.Snapshot()

	pipeline := exec.New(snapshot, exec.Config{
		MaxResponseBytes: cfg.MaxResponseBodyBytes,
		Batch:            batchModeFrom(cfg),
	})

	hostFilter := httpconn.NewAllowlistFilter(cfg.AllowedHosts, cfg.AllowedOrigins)

	rateLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     cfg.ConnIPBurst,
		IPRate:      cfg.ConnIPRate,
		GlobalBurst: cfg.ConnGlobalBurst,
		GlobalRate:  cfg.ConnGlobalRate,
		Logger:      logger,
	})
	defer rateLimiter.Stop()

	wsOpts := wsconn.Options{
		PingInterval:     cfg.PingInterval,
		InactivityLimit:  cfg.InactivityLimit,
		MaxResponseBytes: cfg.MaxResponseBodyBytes,
		MaxSubscriptions: cfg.MaxSubscriptionsPerConn,
		Workers:          cfg.DispatchWorkers,
		WorkerQueueSize:  cfg.DispatchQueueSize,
		SendBuffer:       cfg.MessageBufferCapacity,
	}

	guardCfg := limits.GuardConfig{
		MaxConnections:     maxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimitBytes:   memLimit,
	}

	monitoring.StartRuntimeSampler(cfg.MetricsInterval, ctx.Done())
	startCPUSampler(logger, cfg.MetricsInterval, ctx.Done())

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: monitoring.Handler()}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	errCh := make(chan error, 1)
	var rpcServer *http.Server
	var wsServer *accept.Server

	if cfg.EnableHTTP {
		handler := httpconn.New(snapshot, pipeline, httpconn.Config{
			MaxBodyBytes: int64(cfg.MaxRequestBodyBytes),
			WSOptions:    wsOpts,
			DisableWS:    !cfg.EnableWS,
		}, logger, hostFilter)

		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
		}

		var liveConns int64
		guard := limits.NewConnectionGuard(guardCfg, logger, &liveConns)
		wrapped := accept.New(ln, guard, rateLimiter, logger)

		rpcServer = &http.Server{
			Handler: handler,
			ConnState: func(_ net.Conn, state http.ConnState) {
				switch state {
				case http.StateNew:
					atomic.AddInt64(&liveConns, 1)
					monitoring.ConnectionsTotal.Inc()
					monitoring.ConnectionsActive.Set(float64(atomic.LoadInt64(&liveConns)))
				case http.StateClosed, http.StateHijacked:
					atomic.AddInt64(&liveConns, -1)
					monitoring.ConnectionsActive.Set(float64(atomic.LoadInt64(&liveConns)))
				}
			},
		}

		go func() {
			logger.Info().Str("addr", cfg.Addr).Msg("rpc server listening (http + ws)")
			if err := rpcServer.Serve(wrapped); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	} else if cfg.EnableWS {
		s, err := accept.NewServer(cfg.Addr, guardCfg, rateLimiter, logger)
		if err != nil {
			return fmt.Errorf("build ws accept server: %w", err)
		}
		wsServer = s
		go func() {
			logger.Info().Str("addr", cfg.Addr).Msg("rpc server listening (ws only)")
			if err := wsServer.Serve(ctx, accept.NewWSHandler(snapshot, pipeline, wsOpts, logger)); err != nil {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if rpcServer != nil {
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("rpc server shutdown error")
		}
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}

	return nil
}

// startCPUSampler periodically updates the CPU usage gauge using the
// container-aware monitor.
func startCPUSampler(logger zerolog.Logger, interval time.Duration, stop <-chan struct{}) {
	monitor := limits.NewCPUMonitor(logger)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if pct, err := monitor.GetPercent(); err == nil {
					monitoring.CPUUsagePercent.Set(pct)
				}
			case <-stop:
				return
			}
		}
	}()
}
