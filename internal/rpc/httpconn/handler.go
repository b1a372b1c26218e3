// Package httpconn implements the server-side HTTP connection task:
// single-shot HTTP JSON-RPC exchanges plus the WebSocket upgrade decision
// on the same endpoint. Subscriptions are rejected on the plain-HTTP
// transport, since there is no durable connection to push notifications
// through.
package httpconn

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/jsonrpc2/internal/monitoring"
	"github.com/adred-codev/jsonrpc2/internal/rpc"
	"github.com/adred-codev/jsonrpc2/internal/rpc/exec"
	"github.com/adred-codev/jsonrpc2/internal/rpc/registry"
	"github.com/adred-codev/jsonrpc2/internal/rpc/subscription"
	"github.com/adred-codev/jsonrpc2/internal/rpc/wsconn"
)

// Config bounds request/response sizes and the WebSocket options applied
// when a request upgrades on this same endpoint.
type Config struct {
	MaxBodyBytes int64
	WSOptions    wsconn.Options
	DisableWS    bool // reject upgrade attempts when the deployment disables the RPC_ENABLE_WS path
}

// Handler serves both plain HTTP JSON-RPC calls and WebSocket upgrades on
// one endpoint.
type Handler struct {
	registry   *registry.Registry
	pipeline   *exec.Pipeline
	cfg        Config
	logger     zerolog.Logger
	nextConn   uint32
	hostFilter HostFilter // nil disables host/origin admission checks
}

// New builds a Handler bound to reg/pipeline. filter may be nil to allow
// every host and origin.
func New(reg *registry.Registry, pipeline *exec.Pipeline, cfg Config, logger zerolog.Logger, filter HostFilter) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{registry: reg, pipeline: pipeline, cfg: cfg, logger: logger, hostFilter: filter}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !checkHostFilter(h.hostFilter, r) {
		monitoring.ConnectionsRejected.WithLabelValues("host_filter").Inc()
		http.Error(w, "host/origin not allowed", http.StatusForbidden)
		return
	}

	if isUpgradeRequest(r) {
		if h.cfg.DisableWS {
			http.Error(w, "websocket upgrades are disabled", http.StatusNotImplemented)
			return
		}
		h.serveUpgrade(w, r)
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeTooLarge(w)
		return
	}

	body := h.handleRequest(r.Context(), data)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if body == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Write(body)
}

// writeTooLarge responds to an oversized request body with a JSON-RPC error
// envelope naming the configured limit, rather than a bare text/plain body,
// so HTTP clients see the same envelope shape on every error path.
func (h *Handler) writeTooLarge(w http.ResponseWriter) {
	resp := rpc.NewFailure(rpc.NullID, rpc.NewError(rpc.ErrCodeRequestTooLarge,
		"request body too large", map[string]int64{"max_body_bytes": h.cfg.MaxBodyBytes}))
	body, err := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	if err != nil {
		return
	}
	w.Write(body)
}

func (h *Handler) handleRequest(ctx context.Context, data []byte) []byte {
	single, batch, isBatch := rpc.ParseFrame(data)
	cc := exec.CallContext{
		IsHTTP:    true,
		Outbound:  noopSink{},
		ConnState: &subscription.ConnectionState{},
	}

	if !isBatch {
		if resp, ok := h.pipeline.ExecuteSingle(ctx, single, cc); ok {
			return resp
		}
		return nil
	}

	resp, ok := h.pipeline.ExecuteBatch(ctx, batch, cc)
	if !ok {
		return nil
	}
	return resp
}

func (h *Handler) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		return
	}

	id := atomic.AddUint32(&h.nextConn, 1)
	wsConn, err := wsconn.New(conn, id, h.registry, h.pipeline, h.cfg.WSOptions, h.logger)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to construct ws connection")
		conn.Close()
		return
	}

	monitoring.ConnectionsTotal.Inc()
	go func() {
		defer monitoring.RecoverPanic(h.logger, "httpconn.upgraded", map[string]any{"conn_id": id})
		wsConn.Run(r.Context())
	}()
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// noopSink satisfies subscription.OutboundSink for plain HTTP calls, which
// the execution pipeline guarantees never reach a subscription handler
// (IsHTTP short-circuits that path with an internal error first).
type noopSink struct{}

func (noopSink) TrySend([]byte) bool                { return false }
func (noopSink) Send(context.Context, []byte) error { return nil }
func (noopSink) Closed() <-chan struct{}            { return closedOnce }

var closedOnce = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
