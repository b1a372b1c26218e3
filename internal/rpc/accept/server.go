package accept

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/jsonrpc2/internal/limits"
	"github.com/adred-codev/jsonrpc2/internal/monitoring"
	"github.com/adred-codev/jsonrpc2/internal/rpc/exec"
	"github.com/adred-codev/jsonrpc2/internal/rpc/registry"
	"github.com/adred-codev/jsonrpc2/internal/rpc/wsconn"
)

// Handler is invoked once per admitted connection that completes a
// WebSocket upgrade. It owns the connection until it returns.
type Handler func(ctx context.Context, raw *Conn) error

// Server runs the accept loop: it owns the listener, the resource guard,
// and the live-connection count the guard reads from.
type Server struct {
	listener     *Listener
	logger       zerolog.Logger
	currentConns int64
	wg           sync.WaitGroup
}

// NewServer binds addr, builds a ConnectionGuard over guardCfg, and wraps
// the listener. rateLimiter may be nil to disable the per-IP/global
// connection-rate check.
func NewServer(addr string, guardCfg limits.GuardConfig, rateLimiter *limits.ConnectionRateLimiter, logger zerolog.Logger) (*Server, error) {
	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{logger: logger}
	guard := limits.NewConnectionGuard(guardCfg, logger, &s.currentConns)
	s.listener = New(inner, guard, rateLimiter, logger)
	return s, nil
}

// Serve runs the accept loop until ctx is cancelled or the listener fails,
// handing each admitted connection to handler on its own goroutine.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	go func() {
		<-ctx.Done()
		s.listener.Shutdown()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		c := conn.(*Conn)
		atomic.AddInt64(&s.currentConns, 1)
		monitoring.ConnectionsTotal.Inc()
		monitoring.ConnectionsActive.Set(float64(atomic.LoadInt64(&s.currentConns)))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				atomic.AddInt64(&s.currentConns, -1)
				monitoring.ConnectionsActive.Set(float64(atomic.LoadInt64(&s.currentConns)))
			}()
			defer monitoring.RecoverPanic(s.logger, "accept.connection", map[string]any{"conn_id": c.ID})

			if err := handler(ctx, c); err != nil {
				s.logger.Debug().Err(err).Uint32("conn_id", c.ID).Msg("connection closed")
			}
		}()
	}
}

// NewWSHandler builds a Handler for a listener dedicated entirely to raw
// WebSocket traffic: it performs the handshake itself via ws.Upgrader
// (rather than deferring to an http.Server, as httpconn's dual-protocol
// listener does), then hands the connection to wsconn.
func NewWSHandler(reg *registry.Registry, pipeline *exec.Pipeline, opts wsconn.Options, logger zerolog.Logger) Handler {
	upgrader := ws.Upgrader{}
	return func(ctx context.Context, raw *Conn) error {
		if _, err := upgrader.Upgrade(raw.Conn); err != nil {
			return err
		}
		conn, err := wsconn.New(raw.Conn, raw.ID, reg, pipeline, opts, logger)
		if err != nil {
			return err
		}
		return conn.Run(ctx)
	}
}
