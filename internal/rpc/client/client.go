// Package client implements the client correlation engine. A single
// background task owns the socket, assigns and tracks request ids via
// idgen, matches responses and subscription-id notifications back to the
// caller waiting on them, and fans fatal transport/protocol errors out to
// every caller still in flight.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/jsonrpc2/internal/rpc"
	"github.com/adred-codev/jsonrpc2/internal/rpc/idgen"
)

// Sentinel errors surfaced to callers.
var (
	ErrClosed         = errors.New("client: closed")
	ErrRequestTimeout = errors.New("client: request timed out")
	// ErrRestartNeeded is delivered to every caller still waiting when the
	// background task exits after a fatal transport or protocol error. A
	// single call's failure never cancels other in-flight calls, but a
	// framing-level failure takes the whole connection down.
	ErrRestartNeeded = errors.New("client: background task stopped, a new client is required")
)

// internalIDBit marks request ids the background task synthesizes itself
// (unsubscribe requests triggered by a dropped subscription handle) so they
// never collide with ids idgen.Manager hands out to callers, which start
// from zero and practically never approach 2^62 in one process lifetime.
// internalIDBit is bit 62 rather than 63 so a tagged id still fits in the
// positive range of an int64 and round-trips through rpc.ID's numeric
// encoding without becoming a negative JSON number.
const internalIDBit = uint64(1) << 62

// Config bounds the client's concurrency and timeouts.
type Config struct {
	RequestTimeout    time.Duration
	MaxConcurrentReqs int
	IDKind            idgen.Kind
	// NotificationBuffer sizes each subscription's delivery channel.
	NotificationBuffer int
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxConcurrentReqs <= 0 {
		c.MaxConcurrentReqs = 256
	}
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = 256
	}
}

// BatchCall is one member of a Client.Batch request.
type BatchCall struct {
	Method string
	Params any
}

// BatchResult is one member of a Client.Batch response, in the same order
// the caller submitted BatchCall entries regardless of what order the
// server's responses actually arrived in.
type BatchResult struct {
	Result json.RawMessage
	Err    *rpc.Error
}

type callResult struct {
	result json.RawMessage
	err    *rpc.Error
}

type subscribeResult struct {
	sub *Subscription
	err *rpc.Error
}

type batchResult struct {
	results []BatchResult
	err     error
}

// wireResponse decodes an inbound Response with its result kept as raw
// bytes rather than decoded into an any, since the client has no static
// type to decode into and must hand the bytes back to the caller (or, for
// a subscribe response, decode them itself as a SubscriptionID) unchanged.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpc.Error      `json:"error"`
	ID      rpc.ID          `json:"id"`
}

// command variants sent from front-end goroutines to the single background
// task.
type cmdNotify struct{ raw []byte }
type cmdRequest struct {
	raw   []byte
	id    uint64
	reply chan callResult
}
type cmdBatch struct {
	raw   []byte
	ids   []uint64
	reply chan batchResult
}
type cmdSubscribe struct {
	raw               []byte
	id                uint64
	unsubscribeMethod string
	guard             *idgen.Guard
	reply             chan subscribeResult
}
type cmdSubscriptionClosed struct{ subID rpc.SubscriptionID }
type cmdRegisterNotification struct {
	method string
	ch     chan json.RawMessage
}
type cmdUnregisterNotification struct{ method string }

// Client is one JSON-RPC connection's front end: every exported method here
// just hands a command to the background task and waits on a private reply
// channel, so the table in table.go is only ever touched by one goroutine.
type Client struct {
	transport Transport
	logger    zerolog.Logger
	cfg       Config
	ids       *idgen.Manager

	cmdCh    chan any
	doneCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	fatalErr atomic.Value // stores error

	internalCounter uint64
}

// New starts the background task over an already-dialed Transport.
func New(transport Transport, cfg Config, logger zerolog.Logger) *Client {
	cfg.setDefaults()
	c := &Client{
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		ids:       idgen.New(cfg.IDKind, cfg.MaxConcurrentReqs),
		cmdCh:     make(chan any),
		doneCh:    make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Close stops the background task and closes the transport. Equivalent to
// dropping the front-end channel: the background task tears down and exits.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Client) isClosed() bool {
	select {
	case <-c.doneCh:
		return true
	default:
		return false
	}
}

func (c *Client) lastFatal() error {
	if v := c.fatalErr.Load(); v != nil {
		return v.(error)
	}
	return ErrRestartNeeded
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// Call issues a request and blocks for its response, a timeout
// (cfg.RequestTimeout raced against the response), or ctx cancellation.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	guard, err := c.ids.NextID(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	req := rpc.Request{JSONRPC: rpc.Version, Method: method, Params: rpc.NewParams(raw), ID: guard.ID()}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reply := make(chan callResult, 1)
	if err := c.send(ctx, cmdRequest{raw: data, id: guard.Numeric(), reply: reply}); err != nil {
		return nil, err
	}

	res, err := c.awaitCall(ctx, reply)
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.result, nil
}

// Notify sends a fire-and-forget notification; no table entry is created
// and no response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if c.isClosed() {
		return ErrClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	n := rpc.Notification{JSONRPC: rpc.Version, Method: method, Params: rpc.NewParams(raw)}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return c.send(ctx, cmdNotify{raw: data})
}

// Batch issues every call in one frame and delivers results reordered to
// match the caller's submission order, regardless of what order the
// server's batch response actually listed them in.
func (c *Client) Batch(ctx context.Context, calls []BatchCall) ([]BatchResult, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("client: empty batch")
	}
	guards, err := c.ids.NextIDs(ctx, len(calls))
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, g := range guards {
			g.Release()
		}
	}()

	reqs := make([]rpc.Request, len(calls))
	ids := make([]uint64, len(calls))
	for i, call := range calls {
		raw, err := marshalParams(call.Params)
		if err != nil {
			return nil, err
		}
		reqs[i] = rpc.Request{JSONRPC: rpc.Version, Method: call.Method, Params: rpc.NewParams(raw), ID: guards[i].ID()}
		ids[i] = guards[i].Numeric()
	}
	data, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}

	reply := make(chan batchResult, 1)
	if err := c.send(ctx, cmdBatch{raw: data, ids: ids, reply: reply}); err != nil {
		return nil, err
	}

	res, err := c.awaitBatch(ctx, reply)
	if err != nil {
		return nil, err
	}
	return res.results, res.err
}

// Subscribe issues a subscribe call and, once the server replies with a
// subscription id, returns a live Subscription. unsubscribeMethod is used
// if the returned Subscription is later dropped via Unsubscribe, or if the
// server pushes more notifications than the caller is consuming.
func (c *Client) Subscribe(ctx context.Context, subscribeMethod string, params any, unsubscribeMethod string) (*Subscription, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	guard, err := c.ids.NextID(ctx)
	if err != nil {
		return nil, err
	}

	req := rpc.Request{JSONRPC: rpc.Version, Method: subscribeMethod, Params: rpc.NewParams(raw), ID: guard.ID()}
	data, err := json.Marshal(req)
	if err != nil {
		guard.Release()
		return nil, err
	}

	reply := make(chan subscribeResult, 1)
	if err := c.send(ctx, cmdSubscribe{raw: data, id: guard.Numeric(), unsubscribeMethod: unsubscribeMethod, guard: guard, reply: reply}); err != nil {
		guard.Release()
		return nil, err
	}

	res, err := c.awaitSubscribe(ctx, reply)
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.sub, nil
}

// RegisterNotification installs a handler sink for server-initiated
// notifications carrying this method name that are not subscription
// pushes (no "subscription" field in params).
func (c *Client) RegisterNotification(ctx context.Context, method string, buffer int) (<-chan json.RawMessage, error) {
	if buffer <= 0 {
		buffer = c.cfg.NotificationBuffer
	}
	ch := make(chan json.RawMessage, buffer)
	if err := c.send(ctx, cmdRegisterNotification{method: method, ch: ch}); err != nil {
		return nil, err
	}
	return ch, nil
}

// UnregisterNotification removes a previously registered notification handler.
func (c *Client) UnregisterNotification(ctx context.Context, method string) error {
	return c.send(ctx, cmdUnregisterNotification{method: method})
}

func (c *Client) send(ctx context.Context, cmd any) error {
	select {
	case c.cmdCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return c.lastFatal()
	}
}

func (c *Client) awaitCall(ctx context.Context, reply chan callResult) (callResult, error) {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res, nil
	case <-timer.C:
		return callResult{}, ErrRequestTimeout
	case <-ctx.Done():
		return callResult{}, ctx.Err()
	case <-c.doneCh:
		return callResult{}, c.lastFatal()
	}
}

func (c *Client) awaitBatch(ctx context.Context, reply chan batchResult) (batchResult, error) {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res, nil
	case <-timer.C:
		return batchResult{}, ErrRequestTimeout
	case <-ctx.Done():
		return batchResult{}, ctx.Err()
	case <-c.doneCh:
		return batchResult{}, c.lastFatal()
	}
}

func (c *Client) awaitSubscribe(ctx context.Context, reply chan subscribeResult) (subscribeResult, error) {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res, nil
	case <-timer.C:
		return subscribeResult{}, ErrRequestTimeout
	case <-ctx.Done():
		return subscribeResult{}, ctx.Err()
	case <-c.doneCh:
		return subscribeResult{}, c.lastFatal()
	}
}

// Subscription is a live, server-pushed notification stream.
type Subscription struct {
	c       *Client
	subID   rpc.SubscriptionID
	notifCh chan json.RawMessage
	closed  chan struct{}
}

// Notifications returns the channel notification payloads are delivered on,
// in the order the server emitted them.
func (s *Subscription) Notifications() <-chan json.RawMessage { return s.notifCh }

// Done resolves once the subscription is torn down, whether by explicit
// Unsubscribe, a connection failure, or the server itself closing it.
func (s *Subscription) Done() <-chan struct{} { return s.closed }

// Unsubscribe drops this subscription: the background task synthesizes an
// unsubscribe call using the method supplied to Subscribe and the server's
// subscription id.
func (s *Subscription) Unsubscribe() {
	select {
	case s.c.cmdCh <- cmdSubscriptionClosed{subID: s.subID}:
	case <-s.c.doneCh:
	}
}

// run is the single background task: it owns the transport and the
// correlation table exclusively, so no lock is needed around table access.
func (c *Client) run() {
	defer close(c.doneCh)
	defer c.transport.Close()

	tbl := newTable()
	notifHandlers := make(map[string]chan json.RawMessage)

	frameCh := make(chan []byte)
	readErrCh := make(chan error, 1)
	go c.readLoop(frameCh, readErrCh)

	for {
		select {
		case cmd := <-c.cmdCh:
			c.handleCommand(cmd, tbl, notifHandlers)
		case frame := <-frameCh:
			if err := c.handleFrame(frame, tbl, notifHandlers); err != nil {
				c.fail(err, tbl)
				return
			}
		case err := <-readErrCh:
			c.fail(err, tbl)
			return
		case <-c.stopCh:
			c.fail(ErrClosed, tbl)
			return
		}
	}
}

func (c *Client) readLoop(frameCh chan<- []byte, errCh chan<- error) {
	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		select {
		case frameCh <- msg:
		case <-c.doneCh:
			return
		}
	}
}

// fail tears down every in-flight table entry with the terminal error: a
// fatal transport/protocol error ends the background task but must still
// resolve every caller waiting on it rather than leaking them.
func (c *Client) fail(err error, tbl *table) {
	c.fatalErr.Store(err)
	for id, e := range tbl.byNumericID {
		switch e.kind {
		case pendingCall:
			e.callReply <- callResult{err: rpc.NewError(rpc.ErrCodeInternalError, err.Error(), nil)}
		case pendingSubscription:
			e.subReply <- subscribeResult{err: rpc.NewError(rpc.ErrCodeInternalError, err.Error(), nil)}
		case activeSubscription:
			closeSubscriptionEntry(e)
		}
		delete(tbl.byNumericID, id)
	}
	for key, state := range tbl.batches {
		state.reply <- batchResult{err: err}
		delete(tbl.batches, key)
	}
}

func closeSubscriptionEntry(e *tableEntry) {
	if e.closeOnce == nil {
		return
	}
	e.closeOnce.Do(func() { close(e.closed) })
}

func (c *Client) handleCommand(cmd any, tbl *table, notifHandlers map[string]chan json.RawMessage) {
	switch m := cmd.(type) {
	case cmdNotify:
		if err := c.transport.WriteMessage(context.Background(), m.raw); err != nil {
			c.logger.Debug().Err(err).Msg("client: notification write failed")
		}

	case cmdRequest:
		tbl.putCall(m.id, m.reply)
		if err := c.transport.WriteMessage(context.Background(), m.raw); err != nil {
			if e, ok := tbl.take(m.id); ok {
				e.callReply <- callResult{err: rpc.NewError(rpc.ErrCodeInternalError, err.Error(), nil)}
			}
		}

	case cmdBatch:
		tbl.putBatch(m.ids, m.reply)
		if err := c.transport.WriteMessage(context.Background(), m.raw); err != nil {
			if reply, ok := tbl.failBatch(m.ids); ok {
				reply <- batchResult{err: err}
			}
		}

	case cmdSubscribe:
		tbl.putSubscription(m.id, m.reply, m.unsubscribeMethod, m.guard)
		if err := c.transport.WriteMessage(context.Background(), m.raw); err != nil {
			if e, ok := tbl.take(m.id); ok {
				e.subReply <- subscribeResult{err: rpc.NewError(rpc.ErrCodeInternalError, err.Error(), nil)}
				e.guard.Release()
			}
		}

	case cmdSubscriptionClosed:
		c.handleSubscriptionClosed(m.subID, tbl)

	case cmdRegisterNotification:
		notifHandlers[m.method] = m.ch

	case cmdUnregisterNotification:
		delete(notifHandlers, m.method)
	}
}

// handleSubscriptionClosed synthesizes the unsubscribe call issued when a
// subscription handle is dropped client-side.
func (c *Client) handleSubscriptionClosed(subID rpc.SubscriptionID, tbl *table) {
	e := tbl.activeBySubID(subID)
	if e == nil {
		return
	}
	closeSubscriptionEntry(e)
	tbl.removeSubscription(subID)
	e.guard.Release()

	reqID := internalIDBit | atomic.AddUint64(&c.internalCounter, 1)
	raw, err := marshalSubscriptionID(subID)
	if err != nil {
		return
	}
	req := rpc.Request{
		JSONRPC: rpc.Version,
		Method:  e.unsubscribeMethod,
		Params:  rpc.NewParams(mustMarshal([]json.RawMessage{raw})),
		ID:      rpc.NewNumberID(int64(reqID)),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	tbl.putUnsubscribe(reqID)
	if err := c.transport.WriteMessage(context.Background(), data); err != nil {
		c.logger.Debug().Err(err).Msg("client: unsubscribe write failed")
	}
}

func marshalSubscriptionID(subID rpc.SubscriptionID) (json.RawMessage, error) {
	return json.Marshal(subID)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// handleFrame classifies and routes one inbound frame: a batch of
// responses, a single response, or a server-initiated notification
// (subscription push or a registered plain notification).
func (c *Client) handleFrame(data []byte, tbl *table, notifHandlers map[string]chan json.RawMessage) error {
	if rpc.IsBatch(data) {
		var resps []wireResponse
		if err := json.Unmarshal(data, &resps); err != nil {
			return fmt.Errorf("client: unparseable batch frame: %w", err)
		}
		for _, resp := range resps {
			c.routeResponse(resp, tbl)
		}
		return nil
	}

	var probe struct {
		Method *string `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("client: unparseable frame: %w", err)
	}
	if probe.Method != nil {
		return c.handleServerNotification(data, *probe.Method, tbl, notifHandlers)
	}

	var resp wireResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("client: unparseable response: %w", err)
	}
	c.routeResponse(resp, tbl)
	return nil
}

func (c *Client) routeResponse(resp wireResponse, tbl *table) {
	numericID, ok := numericKeyFor(resp.ID)
	if !ok {
		// A null id in a response cannot be correlated to any caller. The
		// error is scoped to the one unidentifiable response rather than
		// treated as fatal, since every other in-flight call is still
		// resolvable normally.
		return
	}

	if e, ok := tbl.peek(numericID); ok && e.kind == pendingBatch {
		res := BatchResult{Result: resp.Result, Err: resp.Error}
		if reply, results, done := tbl.resolveBatchMember(numericID, res); done {
			reply <- batchResult{results: results}
		}
		return
	}

	e, ok := tbl.take(numericID)
	if !ok {
		return
	}
	switch e.kind {
	case pendingCall:
		e.callReply <- callResult{result: resp.Result, err: resp.Error}

	case pendingSubscription:
		c.resolveSubscription(e, resp, tbl, numericID)

	case pendingUnsubscribe:
		// No caller waits on an internally synthesized unsubscribe; its
		// table entry simply vanishes on response.
	}
}

func (c *Client) resolveSubscription(e *tableEntry, resp wireResponse, tbl *table, numericID uint64) {
	if resp.Error != nil {
		e.guard.Release()
		e.subReply <- subscribeResult{err: resp.Error}
		return
	}
	var subID rpc.SubscriptionID
	if err := json.Unmarshal(resp.Result, &subID); err != nil {
		e.guard.Release()
		e.subReply <- subscribeResult{err: rpc.NewError(rpc.ErrCodeInternalError, "invalid subscription id in response", nil)}
		return
	}

	notifCh := make(chan json.RawMessage, c.cfg.NotificationBuffer)
	closed := make(chan struct{})
	tbl.byNumericID[numericID] = e // reinsert: routeResponse already removed it via take
	active := tbl.activateSubscription(numericID, subID, notifCh, closed)
	if active == nil {
		e.guard.Release()
		e.subReply <- subscribeResult{err: rpc.NewError(rpc.ErrCodeInternalError, "subscription activation failed", nil)}
		return
	}
	e.subReply <- subscribeResult{sub: &Subscription{c: c, subID: subID, notifCh: notifCh, closed: closed}}
}

func (c *Client) handleServerNotification(data []byte, method string, tbl *table, notifHandlers map[string]chan json.RawMessage) error {
	var env struct {
		Params struct {
			Subscription *rpc.SubscriptionID `json:"subscription"`
			Result       json.RawMessage     `json:"result"`
			Error        json.RawMessage     `json:"error"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("client: unparseable notification: %w", err)
	}

	if env.Params.Subscription != nil {
		e := tbl.activeBySubID(*env.Params.Subscription)
		if e == nil {
			// Notifications for a subscription the client hasn't yet
			// learned the id of (or has already torn down) are dropped
			// rather than treated as fatal.
			return nil
		}
		payload := env.Params.Result
		if payload == nil {
			payload = env.Params.Error
		}
		select {
		case e.notifCh <- payload:
		default:
			// Full: the consumer is not keeping up, so tear the
			// subscription down rather than buffer without bound.
			c.handleSubscriptionClosed(*env.Params.Subscription, tbl)
			return nil
		}
		if env.Params.Result == nil && env.Params.Error != nil {
			// An "error" push is the server's last message for this
			// subscription, so it is torn down locally without an
			// unsubscribe call.
			closeSubscriptionEntry(e)
			tbl.removeSubscription(*env.Params.Subscription)
			e.guard.Release()
		}
		return nil
	}

	if ch, ok := notifHandlers[method]; ok {
		select {
		case ch <- append(json.RawMessage(nil), data...):
		default:
		}
	}
	return nil
}
