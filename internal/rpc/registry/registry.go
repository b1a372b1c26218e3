// Package registry implements the JSON-RPC method registry: a name→handler
// mapping covering four handler kinds (sync, async, subscription,
// unsubscription), with merge/alias support and name-uniqueness
// enforcement.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/adred-codev/jsonrpc2/internal/rpc"
	"github.com/adred-codev/jsonrpc2/internal/rpc/subscription"
)

// Kind tags which of the four handler shapes a registered method is.
type Kind int

const (
	KindSync Kind = iota
	KindAsync
	KindSubscription
	KindUnsubscription
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAsync:
		return "async"
	case KindSubscription:
		return "subscription"
	case KindUnsubscription:
		return "unsubscription"
	default:
		return "unknown"
	}
}

// ResponseKind tags what shape of exchange a MethodResponse belongs to, for
// metrics and logging.
type ResponseKind int

const (
	ResponseCall ResponseKind = iota
	ResponseSubscription
	ResponseBatch
)

// MethodResponse is the serialized result of invoking any handler kind.
// Done is not closed or waited on by the execution pipeline or by either
// transport in this module.
type MethodResponse struct {
	Body    []byte
	Success bool
	ErrCode *int
	Kind    ResponseKind
	Done    chan struct{}
}

// SyncHandler executes synchronously and returns immediately.
type SyncHandler func(id rpc.ID, params rpc.Params, maxResponseBytes int) MethodResponse

// AsyncHandler executes on the connection's concurrent dispatch pool.
type AsyncHandler func(ctx context.Context, id rpc.ID, params rpc.Params, connID uint32, maxResponseBytes int) MethodResponse

// UnsubscribeHandler is an unsubscription call; it runs even when the
// connection's subscription budget is exhausted, since it only frees
// resources.
type UnsubscribeHandler func(id rpc.ID, params rpc.Params, connID uint32, maxResponseBytes int) MethodResponse

// SubscriptionHandlerFunc drives one subscription attempt: it must call
// exactly one of pending.Accept or pending.Reject, and on acceptance keep
// pushing into the returned Sink until it closes. Returning without
// settling pending is treated by the execution pipeline as an internal
// error for the original subscribe call. params carries the subscribe
// call's own arguments (e.g. which topic to subscribe to).
type SubscriptionHandlerFunc func(ctx context.Context, params rpc.Params, pending *subscription.Pending, state *subscription.ConnectionState) error

// Entry is one registered method.
type Entry struct {
	Name               string
	Kind               Kind
	Sync               SyncHandler
	Async              AsyncHandler
	Subscription       SubscriptionHandlerFunc
	Unsubscribe        UnsubscribeHandler
	NotificationMethod string              // for Kind == KindSubscription: the notification "method" field
	SubTable           *subscription.Table // shared Subscribers table for this subscribe/unsubscribe pair
}

// Registry is a name→Entry mapping. Registration is only permitted before
// the registry is frozen (Snapshot marks it frozen); after that, every
// connection shares the underlying table by reference.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Entry
	frozen  bool
}

// New creates an empty, mutable registry.
func New() *Registry {
	return &Registry{methods: make(map[string]*Entry)}
}

var errFrozen = fmt.Errorf("registry: cannot register methods after the server has started serving requests")

// InsertSync registers a synchronous call handler.
func (r *Registry) InsertSync(name string, h SyncHandler) error {
	return r.insert(&Entry{Name: name, Kind: KindSync, Sync: h})
}

// InsertAsync registers an asynchronous call handler.
func (r *Registry) InsertAsync(name string, h AsyncHandler) error {
	return r.insert(&Entry{Name: name, Kind: KindAsync, Async: h})
}

// InsertUnsubscribe registers an unsubscription handler.
func (r *Registry) InsertUnsubscribe(name string, h UnsubscribeHandler) error {
	return r.insert(&Entry{Name: name, Kind: KindUnsubscription, Unsubscribe: h})
}

// InsertSubscription registers a subscribe method and its paired unsubscribe
// method atomically; the pair's names must differ. The
// unsubscribe handler is synthesized here: it parses a single positional
// subscription id and removes the key from the pair's shared Subscribers
// table, replying with a boolean (true iff the key was present).
func (r *Registry) InsertSubscription(subscribeName, notificationMethod, unsubscribeName string, sub SubscriptionHandlerFunc) error {
	if subscribeName == unsubscribeName {
		return fmt.Errorf("registry: subscribe and unsubscribe method names must differ (%q)", subscribeName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errFrozen
	}
	if _, exists := r.methods[subscribeName]; exists {
		return fmt.Errorf("registry: method %q already registered", subscribeName)
	}
	if _, exists := r.methods[unsubscribeName]; exists {
		return fmt.Errorf("registry: method %q already registered", unsubscribeName)
	}

	table := subscription.NewTable()
	r.methods[subscribeName] = &Entry{Name: subscribeName, Kind: KindSubscription, Subscription: sub, NotificationMethod: notificationMethod, SubTable: table}
	r.methods[unsubscribeName] = &Entry{Name: unsubscribeName, Kind: KindUnsubscription, Unsubscribe: makeUnsubscribeHandler(table), SubTable: table}
	return nil
}

// makeUnsubscribeHandler builds the standard unsubscribe handler described
// above, bound to one subscribe method's Subscribers table.
func makeUnsubscribeHandler(table *subscription.Table) UnsubscribeHandler {
	return func(id rpc.ID, params rpc.Params, connID uint32, maxResponseBytes int) MethodResponse {
		var args []json.RawMessage
		if err := params.Bind(&args); err != nil || len(args) != 1 {
			return marshalResult(id, rpc.NewFailure(id, rpc.NewError(rpc.ErrCodeInvalidParams, "Invalid params", nil)), maxResponseBytes)
		}
		var subID rpc.SubscriptionID
		if err := subID.UnmarshalJSON(args[0]); err != nil {
			return marshalResult(id, rpc.NewFailure(id, rpc.NewError(rpc.ErrCodeInvalidParams, "Invalid params", nil)), maxResponseBytes)
		}
		present := table.Remove(subscription.Key{ConnID: connID, SubID: subID})
		return marshalResult(id, rpc.NewSuccess(id, present), maxResponseBytes)
	}
}

// marshalResult serializes resp under maxResponseBytes, falling back to the
// short fixed-shape oversized-response error if it does not; that fallback
// is not itself held to maxResponseBytes.
func marshalResult(id rpc.ID, resp *rpc.Response, maxResponseBytes int) MethodResponse {
	body, err := rpc.MarshalBounded(resp, maxResponseBytes)
	code := rpc.ErrCodeOversizedResponse
	if err != nil {
		return MethodResponse{Body: rpc.MarshalOversized(id, maxResponseBytes), Success: false, ErrCode: &code, Kind: ResponseCall}
	}
	mr := MethodResponse{Body: body, Success: resp.IsSuccess(), Kind: ResponseCall}
	if resp.Error != nil {
		ec := resp.Error.Code
		mr.ErrCode = &ec
	}
	return mr
}

func (r *Registry) insert(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errFrozen
	}
	if _, exists := r.methods[e.Name]; exists {
		return fmt.Errorf("registry: method %q already registered", e.Name)
	}
	r.methods[e.Name] = e
	return nil
}

// Alias registers newName as pointing at the same Entry as existing.
func (r *Registry) Alias(newName, existing string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errFrozen
	}
	entry, ok := r.methods[existing]
	if !ok {
		return fmt.Errorf("registry: cannot alias unknown method %q", existing)
	}
	if _, exists := r.methods[newName]; exists {
		return fmt.Errorf("registry: method %q already registered", newName)
	}
	aliased := *entry
	aliased.Name = newName
	r.methods[newName] = &aliased
	return nil
}

// Merge copies every entry of other into r, failing atomically (no partial
// merge) if any name clashes.
func (r *Registry) Merge(other *Registry) error {
	other.mu.RLock()
	incoming := make(map[string]*Entry, len(other.methods))
	for name, e := range other.methods {
		incoming[name] = e
	}
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errFrozen
	}
	for name := range incoming {
		if _, exists := r.methods[name]; exists {
			return fmt.Errorf("registry: merge conflict on method %q", name)
		}
	}
	for name, e := range incoming {
		r.methods[name] = e
	}
	return nil
}

// Lookup returns the entry for name, if registered.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.methods[name]
	return e, ok
}

// IterNames returns every registered method name.
func (r *Registry) IterNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}

// RegisterIntrospection adds the rpc_methods/rpc_modules built-in sync
// method (the introspection convention go-ethereum popularized): it
// returns the sorted list of every method name registered at call time.
func (r *Registry) RegisterIntrospection() error {
	h := func(id rpc.ID, params rpc.Params, maxResponseBytes int) MethodResponse {
		names := r.IterNames()
		sort.Strings(names)
		return marshalResult(id, rpc.NewSuccess(id, names), maxResponseBytes)
	}
	if err := r.InsertSync("rpc_methods", h); err != nil {
		return err
	}
	return r.Alias("rpc_modules", "rpc_methods")
}

// Snapshot freezes the registry against further mutation and returns it.
// The returned value is the registry itself (the methods table is shared
// by reference once frozen, not deep-copied), so callers typically call
// Snapshot once at server start and hand the same *Registry to every
// connection.
func (r *Registry) Snapshot() *Registry {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
	return r
}
