// Package exec implements the execution pipeline: single-call dispatch and
// size-bounded batch execution across the four registry.Kind handler
// shapes.
package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/jsonrpc2/internal/monitoring"
	"github.com/adred-codev/jsonrpc2/internal/rpc"
	"github.com/adred-codev/jsonrpc2/internal/rpc/registry"
	"github.com/adred-codev/jsonrpc2/internal/rpc/subscription"
)

// Outcome labels recorded on rpc_requests_total.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

// BatchKind selects how batch requests are handled.
type BatchKind int

const (
	BatchDisabled BatchKind = iota
	BatchLimited
	BatchUnlimited
)

// BatchMode is the resolved batch_requests configuration.
type BatchMode struct {
	Kind  BatchKind
	Limit int // only meaningful when Kind == BatchLimited
}

// Config bounds a Pipeline's response sizes and batch handling.
type Config struct {
	MaxResponseBytes int
	Batch            BatchMode
}

// Pipeline dispatches parsed frame Items against a method Registry.
type Pipeline struct {
	registry *registry.Registry
	cfg      Config
}

// New creates a Pipeline bound to reg and cfg.
func New(reg *registry.Registry, cfg Config) *Pipeline {
	return &Pipeline{registry: reg, cfg: cfg}
}

// CallContext carries everything a single dispatch needs beyond the parsed
// item: whether this exchange is over HTTP (subscriptions are rejected) or
// WebSocket, the owning connection id, the outbound sink subscriptions push
// through, and the per-connection subscription state.
type CallContext struct {
	ConnID    uint32
	IsHTTP    bool
	Outbound  subscription.OutboundSink
	ConnState *subscription.ConnectionState
}

// ExecuteSingle runs one call or notification item, returning the
// serialized response and true when there is one to send. It returns
// (nil, false) for a notification (which produces no response entry at all)
// and for a subscribe call that Accept or Reject already answered through
// the outbound sink.
func (p *Pipeline) ExecuteSingle(ctx context.Context, item rpc.Item, cc CallContext) ([]byte, bool) {
	switch {
	case item.IsInvalid():
		resp := rpc.NewFailure(item.InvalidID, item.Invalid)
		body, _ := rpc.MarshalBounded(resp, p.cfg.MaxResponseBytes)
		if body == nil {
			monitoring.OversizedResponses.Inc()
			body = rpc.MarshalOversized(item.InvalidID, p.cfg.MaxResponseBytes)
		}
		return body, true
	case item.IsNotification():
		p.dispatchNotification(ctx, item.Notification, cc)
		return nil, false
	default:
		body := p.dispatchCall(ctx, item.Request, cc)
		return body, body != nil
	}
}

func (p *Pipeline) dispatchNotification(ctx context.Context, n *rpc.Notification, cc CallContext) {
	entry, ok := p.registry.Lookup(n.Method)
	if !ok {
		return
	}
	// Notifications never receive a response; run call-shaped handlers and
	// discard the result. Subscriptions and unsubscriptions make no sense
	// as fire-and-forget, so they are simply ignored.
	switch entry.Kind {
	case registry.KindSync:
		entry.Sync(rpc.NullID, n.Params, p.cfg.MaxResponseBytes)
	case registry.KindAsync:
		entry.Async(ctx, rpc.NullID, n.Params, cc.ConnID, p.cfg.MaxResponseBytes)
	}
}

func (p *Pipeline) dispatchCall(ctx context.Context, req *rpc.Request, cc CallContext) []byte {
	start := time.Now()
	body, success := p.invokeCall(ctx, req, cc)

	outcome := outcomeError
	if success {
		outcome = outcomeSuccess
	}
	monitoring.RequestsTotal.WithLabelValues(req.Method, outcome).Inc()
	monitoring.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	if body != nil {
		monitoring.ResponseBytes.Observe(float64(len(body)))
	}
	return body
}

func (p *Pipeline) invokeCall(ctx context.Context, req *rpc.Request, cc CallContext) ([]byte, bool) {
	entry, ok := p.registry.Lookup(req.Method)
	if !ok {
		resp := rpc.NewFailure(req.ID, rpc.NewError(rpc.ErrCodeMethodNotFound, "Method not found", nil))
		return p.marshal(req.ID, resp), false
	}

	switch entry.Kind {
	case registry.KindSync:
		mr := entry.Sync(req.ID, req.Params, p.cfg.MaxResponseBytes)
		return mr.Body, mr.Success
	case registry.KindAsync:
		mr := entry.Async(ctx, req.ID, req.Params, cc.ConnID, p.cfg.MaxResponseBytes)
		return mr.Body, mr.Success
	case registry.KindUnsubscription:
		// Unsubscription runs even when the connection's subscription budget
		// is exhausted; it only frees resources.
		mr := entry.Unsubscribe(req.ID, req.Params, cc.ConnID, p.cfg.MaxResponseBytes)
		return mr.Body, mr.Success
	case registry.KindSubscription:
		if cc.IsHTTP {
			resp := rpc.NewFailure(req.ID, rpc.NewError(rpc.ErrCodeInternalError, "subscriptions not supported on HTTP", nil))
			return p.marshal(req.ID, resp), false
		}
		return p.dispatchSubscribe(ctx, req, entry, cc)
	default:
		resp := rpc.NewFailure(req.ID, rpc.NewError(rpc.ErrCodeInternalError, "unknown handler kind", nil))
		return p.marshal(req.ID, resp), false
	}
}

func (p *Pipeline) dispatchSubscribe(ctx context.Context, req *rpc.Request, entry *registry.Entry, cc CallContext) ([]byte, bool) {
	permit := cc.ConnState.Permit
	if permit == nil {
		monitoring.SubscriptionsRejected.WithLabelValues("limit_exceeded").Inc()
		resp := rpc.NewFailure(req.ID, rpc.NewError(rpc.ErrCodeTooManySubscriptions,
			fmt.Sprintf("too many subscriptions (limit=%d)", cc.ConnState.SubLimit), nil))
		return p.marshal(req.ID, resp), false
	}

	// Re-sample on collision with an already-live key for this connection;
	// subscription ids must be unique per connection.
	var key subscription.Key
	for {
		key = subscription.Key{ConnID: cc.ConnID, SubID: cc.ConnState.IDProvider.Next()}
		if !entry.SubTable.Has(key) {
			break
		}
	}

	pending := subscription.NewPending(entry.SubTable, key, req.ID, entry.NotificationMethod, cc.Outbound, p.cfg.MaxResponseBytes)

	if err := entry.Subscription(ctx, req.Params, pending, cc.ConnState); err != nil {
		settlePermit(pending, permit)
		if !pending.Settled() {
			monitoring.SubscriptionsRejected.WithLabelValues("handler_error").Inc()
			resp := rpc.NewFailure(req.ID, rpc.NewError(rpc.ErrCodeInternalError, err.Error(), nil))
			return p.marshal(req.ID, resp), false
		}
		return nil, false
	}
	settlePermit(pending, permit)

	if !pending.Settled() {
		// Handler returned without accepting or rejecting; the subscribe
		// call still needs an answer.
		monitoring.SubscriptionsRejected.WithLabelValues("not_settled").Inc()
		resp := rpc.NewFailure(req.ID, rpc.NewError(rpc.ErrCodeInternalError, "subscription handler did not accept or reject", nil))
		return p.marshal(req.ID, resp), false
	}
	// Accept/Reject already wrote (or attempted to write) the response
	// directly through the outbound sink; the dispatcher has nothing left
	// to return here.
	return nil, pending.AcceptedSink() != nil
}

// settlePermit ties the subscription permit to the outcome of the subscribe
// attempt: an accepted subscription keeps its slot until the sink closes,
// everything else frees the slot immediately.
func settlePermit(pending *subscription.Pending, permit *subscription.Permit) {
	if sink := pending.AcceptedSink(); sink != nil {
		go func() {
			<-sink.Closed()
			permit.Release()
		}()
		return
	}
	permit.Release()
}

func (p *Pipeline) marshal(id rpc.ID, resp *rpc.Response) []byte {
	body, err := rpc.MarshalBounded(resp, p.cfg.MaxResponseBytes)
	if err != nil {
		monitoring.OversizedResponses.Inc()
		return rpc.MarshalOversized(id, p.cfg.MaxResponseBytes)
	}
	return body
}

// ExecuteBatch runs every item in a parsed batch against the registry,
// enforcing the configured batch mode: a Disabled mode rejects the whole
// batch, a Limited mode rejects batches longer than its configured limit,
// and the assembled response array is itself held to MaxResponseBytes the
// same way a single response is. Returns (nil, false) when the batch
// produces no response bytes at all (every member was a notification or a
// subscribe call answered through the outbound sink).
func (p *Pipeline) ExecuteBatch(ctx context.Context, items []rpc.Item, cc CallContext) ([]byte, bool) {
	if p.cfg.Batch.Kind == BatchDisabled {
		resp := rpc.NewFailure(rpc.NullID, rpc.NewError(rpc.ErrCodeBatchesNotSupported, "batch requests are not supported", nil))
		body, _ := rpc.MarshalBounded(resp, p.cfg.MaxResponseBytes)
		return body, true
	}
	if len(items) == 0 {
		resp := rpc.NewFailure(rpc.NullID, rpc.NewError(rpc.ErrCodeInvalidRequest, "Invalid Request", nil))
		body, _ := rpc.MarshalBounded(resp, p.cfg.MaxResponseBytes)
		return body, true
	}
	if p.cfg.Batch.Kind == BatchLimited && len(items) > p.cfg.Batch.Limit {
		resp := rpc.NewFailure(rpc.NullID, rpc.NewError(rpc.ErrCodeBatchTooBig,
			fmt.Sprintf("batch of %d requests exceeds the limit of %d", len(items), p.cfg.Batch.Limit), nil))
		body, _ := rpc.MarshalBounded(resp, p.cfg.MaxResponseBytes)
		return body, true
	}
	monitoring.BatchSize.Observe(float64(len(items)))

	parts := make([][]byte, 0, len(items))
	total := 2 // the enclosing "[" and "]"
	for _, item := range items {
		body, ok := p.ExecuteSingle(ctx, item, cc)
		if !ok || body == nil {
			// A notification, or an accepted/rejected subscribe call whose
			// reply already went out through the outbound sink directly:
			// neither has a slot in this array.
			continue
		}
		sep := 0
		if len(parts) > 0 {
			sep = 1
		}
		if p.cfg.MaxResponseBytes > 0 && total+len(body)+sep > p.cfg.MaxResponseBytes {
			monitoring.OversizedResponses.Inc()
			return p.batchTooLarge(), true
		}
		parts = append(parts, body)
		total += len(body) + sep
	}
	if len(parts) == 0 {
		return nil, false
	}
	out := joinJSONArray(parts)
	monitoring.ResponseBytes.Observe(float64(len(out)))
	return out, true
}

// batchTooLarge builds the single error that replaces a whole batch whose
// assembled response would exceed the configured limit. The fixed-shape
// payload is small enough to always fit, with MarshalOversized as the
// fallback of last resort.
func (p *Pipeline) batchTooLarge() []byte {
	resp := rpc.NewFailure(rpc.NullID, rpc.NewError(rpc.ErrCodeBatchResponseTooLarge, "batch response too large", p.cfg.MaxResponseBytes))
	body, err := rpc.MarshalBounded(resp, p.cfg.MaxResponseBytes)
	if err != nil {
		return rpc.MarshalOversized(rpc.NullID, p.cfg.MaxResponseBytes)
	}
	return body
}

func joinJSONArray(parts [][]byte) []byte {
	size := 2
	for _, part := range parts {
		size += len(part) + 1
	}
	out := make([]byte, 0, size)
	out = append(out, '[')
	for i, part := range parts {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, part...)
	}
	out = append(out, ']')
	return out
}
