// Package subscription implements the subscription lifecycle manager:
// subscription keys, pending/accepted sinks, the per-connection
// subscription-count semaphore, unsubscribe detection, and notification
// framing.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/jsonrpc2/internal/rpc"
)

// Errors surfaced by Pending.Accept.
var (
	ErrRemotePeerAborted = errors.New("the remote peer closed the connection or called the unsubscribe method")
	ErrMessageTooLarge   = errors.New("the subscription response message was too large")
)

// Errors surfaced by SubscriptionSink.Send / SendTimeout / TrySend.
var (
	ErrDisconnected = errors.New("closed")
	ErrSendTimeout  = errors.New("timed out waiting on send operation")
	ErrSendFull     = errors.New("full")
)

// OutboundSink is the per-connection transport the subscription core pushes
// framed bytes into. The WebSocket connection task (package wsconn)
// implements this over its bounded outbound channel; the detail of framing
// and backpressure lives there, not here.
type OutboundSink interface {
	// TrySend attempts a non-blocking send; ok is false if the channel has
	// no free capacity or is closed (check Closed() to distinguish).
	TrySend(msg []byte) (ok bool)
	// Send blocks until capacity is available or ctx is done.
	Send(ctx context.Context, msg []byte) error
	// Closed reports the connection's outbound channel liveness.
	Closed() <-chan struct{}
}

// Key uniquely identifies a subscription across the whole server.
type Key struct {
	ConnID uint32
	SubID  rpc.SubscriptionID
}

func (k Key) mapKey() string {
	return fmt.Sprintf("%d:%v", k.ConnID, k.SubID.Key())
}

// Permit is one reserved slot out of a connection's subscription budget.
// Releasing it (once) frees the slot back to the semaphore.
type Permit struct {
	bounded  *BoundedSubscriptions
	released bool
	mu       sync.Mutex
}

// Release frees this permit's slot. Safe to call more than once.
func (p *Permit) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	select {
	case <-p.bounded.sem:
	default:
	}
}

// BoundedSubscriptions is the per-connection semaphore limiting
// max_subscriptions_per_connection, plus a close signal used to cancel every
// outstanding permit at once on shutdown.
type BoundedSubscriptions struct {
	sem    chan struct{}
	limit  int
	closed chan struct{}
	once   sync.Once
}

// NewBoundedSubscriptions creates a semaphore with room for limit concurrent
// subscriptions on one connection.
func NewBoundedSubscriptions(limit int) *BoundedSubscriptions {
	return &BoundedSubscriptions{
		sem:    make(chan struct{}, limit),
		limit:  limit,
		closed: make(chan struct{}),
	}
}

// Acquire reserves one slot, returning nil if the connection's subscription
// budget is exhausted.
func (b *BoundedSubscriptions) Acquire() *Permit {
	select {
	case b.sem <- struct{}{}:
		return &Permit{bounded: b}
	default:
		return nil
	}
}

// Limit returns the configured per-connection subscription limit.
func (b *BoundedSubscriptions) Limit() int { return b.limit }

// InUse returns the number of currently reserved slots.
func (b *BoundedSubscriptions) InUse() int { return len(b.sem) }

// CloseAll closes the Done channel, used on connection shutdown. It does not
// release outstanding permits.
func (b *BoundedSubscriptions) CloseAll() {
	b.once.Do(func() { close(b.closed) })
}

// Done reports the semaphore's global-close signal.
func (b *BoundedSubscriptions) Done() <-chan struct{} { return b.closed }

// ConnectionState is the per-connection context handed to subscription
// handlers: its connection id, the subscription-id provider, and the
// permit reserved for this particular subscription attempt.
type ConnectionState struct {
	ConnID     uint32
	IDProvider rpc.IDProvider
	Permit     *Permit
	// SubLimit is the connection's configured subscription budget, reported
	// even when Permit is nil (budget exhausted) so a rejection can name
	// the actual limit.
	SubLimit int
}

// Entry is what the Subscribers table stores per live subscription: the
// sink that pushes framed notifications out, and the channel whose closure
// is the single source of truth that the subscription is no longer live
// (client unsubscribed, connection died, or the handler called
// CloseWithError on its Sink).
type Entry struct {
	Sink               OutboundSink
	NotificationMethod string
	unsubscribed       chan struct{}
	once               sync.Once
}

// IsClosed reports whether this entry's unsubscribe-detector has fired.
func (e *Entry) IsClosed() bool {
	select {
	case <-e.unsubscribed:
		return true
	default:
		return false
	}
}

func (e *Entry) markClosed() { e.once.Do(func() { close(e.unsubscribed) }) }

// Table is the shared Subscribers table for one subscribe method: a
// Key → Entry mapping guarded by a mutex, shared between the subscribe
// handler's invocations and its unsubscribe counterpart.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byKey   map[string]Key
}

// NewTable creates an empty Subscribers table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry), byKey: make(map[string]Key)}
}

// Insert adds key→entry, only called internally by Accept.
func (t *Table) insert(key Key, e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mk := key.mapKey()
	t.entries[mk] = e
	t.byKey[mk] = key
}

// Has reports whether key already identifies a live subscription, used to
// re-sample a freshly generated id before it is ever installed.
func (t *Table) Has(key Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[key.mapKey()]
	return ok
}

// Remove deletes key from the table, reporting whether it was present;
// this is the boolean the unsubscribe method's response body carries,
// giving idempotence: a second unsubscribe of the same id returns false.
func (t *Table) Remove(key Key) bool {
	t.mu.Lock()
	mk := key.mapKey()
	e, ok := t.entries[mk]
	if ok {
		delete(t.entries, mk)
		delete(t.byKey, mk)
	}
	t.mu.Unlock()
	if ok {
		e.markClosed()
	}
	return ok
}

// RemoveConnection tears down every subscription owned by connID, called
// when a connection is lost.
func (t *Table) RemoveConnection(connID uint32) {
	t.mu.Lock()
	var toClose []*Entry
	for mk, key := range t.byKey {
		if key.ConnID == connID {
			toClose = append(toClose, t.entries[mk])
			delete(t.entries, mk)
			delete(t.byKey, mk)
		}
	}
	t.mu.Unlock()
	for _, e := range toClose {
		e.markClosed()
	}
}

// Len reports the number of live subscriptions in this table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Pending represents a subscription that has not yet been accepted or
// rejected. The handler is expected to call exactly one of Accept or
// Reject before returning; a handler that returns without doing so is
// treated as an internal error for the original subscribe call.
type Pending struct {
	table       *Table
	key         Key
	reqID       rpc.ID
	notifMethod string
	outbound    OutboundSink
	maxResponse int
	settled     bool
	sink        *Sink
	mu          sync.Mutex
}

// NewPending begins a subscription attempt for the given original call id.
func NewPending(table *Table, key Key, reqID rpc.ID, notificationMethod string, outbound OutboundSink, maxResponseBytes int) *Pending {
	return &Pending{table: table, key: key, reqID: reqID, notifMethod: notificationMethod, outbound: outbound, maxResponse: maxResponseBytes}
}

// Accept formats the subscription id into a success response for the
// original subscribe call, attempts to send it over the connection's sink,
// and, only on success, installs the subscription into the Subscribers
// table and returns a Sink the handler uses to push notifications.
func (p *Pending) Accept(ctx context.Context) (*Sink, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return nil, nil, fmt.Errorf("subscription: Accept/Reject already called for this subscribe call")
	}

	resp := rpc.NewSuccess(p.reqID, p.key.SubID)
	body, err := rpc.MarshalBounded(resp, p.maxResponse)
	if err != nil {
		p.settled = true
		return nil, rpc.MarshalOversized(p.reqID, p.maxResponse), ErrMessageTooLarge
	}

	if !p.outbound.TrySend(body) {
		select {
		case <-p.outbound.Closed():
			p.settled = true
			return nil, nil, ErrRemotePeerAborted
		default:
			if err := p.outbound.Send(ctx, body); err != nil {
				p.settled = true
				return nil, nil, ErrRemotePeerAborted
			}
		}
	}

	entry := &Entry{Sink: p.outbound, NotificationMethod: p.notifMethod, unsubscribed: make(chan struct{})}
	p.table.insert(p.key, entry)
	p.settled = true
	p.sink = &Sink{key: p.key, entry: entry, outbound: p.outbound}

	return p.sink, body, nil
}

// Reject answers the original subscribe call with an error response and
// never enters the Active state.
func (p *Pending) Reject(ctx context.Context, err *rpc.Error) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return nil, fmt.Errorf("subscription: Accept/Reject already called for this subscribe call")
	}
	p.settled = true
	resp := rpc.NewFailure(p.reqID, err)
	body, merr := rpc.MarshalBounded(resp, p.maxResponse)
	if merr != nil {
		body = rpc.MarshalOversized(p.reqID, p.maxResponse)
	}
	p.outbound.TrySend(body)
	return body, nil
}

// Settled reports whether Accept or Reject has been called, used by the
// execution pipeline to detect a handler that returned without settling
// and synthesize the default internal-error response in its place.
func (p *Pending) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// AcceptedSink returns the Sink a successful Accept produced, or nil if the
// subscription was rejected or never settled. The execution pipeline uses
// it to tie the connection's subscription permit to the sink's lifetime.
func (p *Pending) AcceptedSink() *Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

// Sink is the handle a subscription handler uses to push notifications
// after a successful Accept. It owns no back-pointer to the Subscribers
// table; the Entry's unsubscribed channel is the single source of truth for
// liveness, which keeps ownership acyclic.
type Sink struct {
	key      Key
	entry    *Entry
	outbound OutboundSink
}

// Key returns the subscription key this sink belongs to.
func (s *Sink) Key() Key { return s.key }

func (s *Sink) frame(payload any, isError bool) ([]byte, error) {
	field := "result"
	if isError {
		field = "error"
	}
	notif := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params"`
	}{
		JSONRPC: rpc.Version,
		Method:  s.entry.NotificationMethod,
		Params: map[string]any{
			"subscription": s.key.SubID,
			field:          payload,
		},
	}
	return json.Marshal(notif)
}

// Send blocks (cancel-safe) until the message is enqueued or the
// subscription closes.
func (s *Sink) Send(ctx context.Context, payload any) error {
	if s.entry.IsClosed() {
		return ErrDisconnected
	}
	msg, err := s.frame(payload, false)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.outbound.Send(ctx, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return ErrDisconnected
		}
		return nil
	case <-s.entry.unsubscribed:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTimeout is Send bounded by d, surfacing Timeout distinctly from Closed.
func (s *Sink) SendTimeout(payload any, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := s.Send(ctx, payload)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrSendTimeout
	}
	return err
}

// TrySend is a non-blocking push, surfacing Full vs Closed.
func (s *Sink) TrySend(payload any) error {
	if s.entry.IsClosed() {
		return ErrDisconnected
	}
	msg, err := s.frame(payload, false)
	if err != nil {
		return err
	}
	if s.outbound.TrySend(msg) {
		return nil
	}
	select {
	case <-s.entry.unsubscribed:
		return ErrDisconnected
	default:
		return ErrSendFull
	}
}

// Closed resolves when either the underlying sink closes or the
// unsubscribe-detector triggers.
func (s *Sink) Closed() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		select {
		case <-s.entry.unsubscribed:
		case <-s.outbound.Closed():
		}
		close(ch)
	}()
	return ch
}

// CloseWithError sends a final notification framed with "error" instead of
// "result", then marks the subscription closed.
func (s *Sink) CloseWithError(payload any) {
	if msg, err := s.frame(payload, true); err == nil {
		s.outbound.TrySend(msg)
	}
	s.entry.markClosed()
}
