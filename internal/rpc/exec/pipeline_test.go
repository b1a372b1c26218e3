package exec

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/adred-codev/jsonrpc2/internal/rpc"
	"github.com/adred-codev/jsonrpc2/internal/rpc/registry"
	"github.com/adred-codev/jsonrpc2/internal/rpc/subscription"
)

type fakeSink struct {
	mu     sync.Mutex
	sent   [][]byte
	closed chan struct{}
}

func newFakeSink() *fakeSink { return &fakeSink{closed: make(chan struct{})} }

func (f *fakeSink) TrySend(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeSink) Send(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Closed() <-chan struct{} { return f.closed }

func (f *fakeSink) Messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func pingHandler(id rpc.ID, params rpc.Params, maxResponseBytes int) registry.MethodResponse {
	body, _ := rpc.MarshalBounded(rpc.NewSuccess(id, "pong"), maxResponseBytes)
	return registry.MethodResponse{Body: body, Success: true}
}

func newTestPipeline(t *testing.T, batch BatchMode) (*Pipeline, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	if err := reg.InsertSync("ping", pingHandler); err != nil {
		t.Fatalf("insert sync: %v", err)
	}
	acceptAll := func(ctx context.Context, params rpc.Params, pending *subscription.Pending, state *subscription.ConnectionState) error {
		sink, _, err := pending.Accept(ctx)
		if err != nil {
			return err
		}
		_ = sink
		return nil
	}
	if err := reg.InsertSubscription("subscribe_x", "x_notification", "unsubscribe_x", acceptAll); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}
	snapshot := reg.Snapshot()
	return New(snapshot, Config{MaxResponseBytes: 4096, Batch: batch}), snapshot
}

func TestExecuteSingleCallSuccess(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	item, _, _ := rpc.ParseFrame([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	body, ok := p.ExecuteSingle(context.Background(), item, CallContext{})
	if !ok {
		t.Fatalf("expected a response for a call")
	}
	if !strings.Contains(string(body), "pong") {
		t.Fatalf("got %s, want pong in result", body)
	}
}

func TestExecuteSingleNotificationProducesNoResponse(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	item, _, _ := rpc.ParseFrame([]byte(`{"jsonrpc":"2.0","method":"ping"}`))
	body, ok := p.ExecuteSingle(context.Background(), item, CallContext{})
	if ok || body != nil {
		t.Fatalf("expected no response for a notification")
	}
}

func TestExecuteSingleMethodNotFound(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	item, _, _ := rpc.ParseFrame([]byte(`{"jsonrpc":"2.0","method":"nope","id":1}`))
	body, ok := p.ExecuteSingle(context.Background(), item, CallContext{})
	if !ok {
		t.Fatalf("expected a response")
	}
	if !strings.Contains(string(body), "Method not found") {
		t.Fatalf("got %s, want Method not found", body)
	}
}

func TestExecuteSingleInvalidItem(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	item, _, _ := rpc.ParseFrame([]byte(`{"jsonrpc":"1.0","method":"ping","id":1}`))
	body, ok := p.ExecuteSingle(context.Background(), item, CallContext{})
	if !ok {
		t.Fatalf("expected a response for an invalid item")
	}
	if !strings.Contains(string(body), "Invalid request") {
		t.Fatalf("got %s", body)
	}
}

func TestDispatchSubscribeOverHTTPRejected(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	item, _, _ := rpc.ParseFrame([]byte(`{"jsonrpc":"2.0","method":"subscribe_x","id":1}`))
	cc := CallContext{IsHTTP: true, ConnState: &subscription.ConnectionState{}}
	body, ok := p.ExecuteSingle(context.Background(), item, cc)
	if !ok {
		t.Fatalf("expected a response")
	}
	if !strings.Contains(string(body), "not supported on HTTP") {
		t.Fatalf("got %s", body)
	}
}

func TestDispatchSubscribeOverWSWithoutPermitRejected(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	item, _, _ := rpc.ParseFrame([]byte(`{"jsonrpc":"2.0","method":"subscribe_x","id":1}`))
	cc := CallContext{Outbound: newFakeSink(), ConnState: &subscription.ConnectionState{SubLimit: 5}}
	body, ok := p.ExecuteSingle(context.Background(), item, cc)
	if !ok {
		t.Fatalf("expected a response")
	}
	if !strings.Contains(string(body), "too many subscriptions") {
		t.Fatalf("got %s", body)
	}
}

func TestDispatchSubscribeAcceptedSendsThroughOutboundDirectly(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	sink := newFakeSink()
	bounded := subscription.NewBoundedSubscriptions(1)
	permit := bounded.Acquire()
	cc := CallContext{
		ConnID:   1,
		Outbound: sink,
		ConnState: &subscription.ConnectionState{
			ConnID:     1,
			IDProvider: rpc.RandomNumericIDProvider{},
			Permit:     permit,
			SubLimit:   1,
		},
	}
	item, _, _ := rpc.ParseFrame([]byte(`{"jsonrpc":"2.0","method":"subscribe_x","id":1}`))
	body, ok := p.ExecuteSingle(context.Background(), item, cc)
	if ok || body != nil {
		t.Fatalf("expected no dispatcher-level response; Accept writes through Outbound directly")
	}
	if len(sink.Messages()) != 1 {
		t.Fatalf("expected one message written through the outbound sink, got %d", len(sink.Messages()))
	}
}

func TestExecuteBatchDisabled(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchDisabled})
	items := []rpc.Item{}
	body, ok := p.ExecuteBatch(context.Background(), items, CallContext{})
	if !ok {
		t.Fatalf("expected a response")
	}
	if !strings.Contains(string(body), "batch requests are not supported") {
		t.Fatalf("got %s", body)
	}
}

func TestExecuteBatchTooBig(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 1})
	_, items, _ := rpc.ParseFrame([]byte(`[{"jsonrpc":"2.0","method":"ping","id":1},{"jsonrpc":"2.0","method":"ping","id":2}]`))
	body, ok := p.ExecuteBatch(context.Background(), items, CallContext{})
	if !ok {
		t.Fatalf("expected a response")
	}
	if !strings.Contains(string(body), "exceeds the limit") {
		t.Fatalf("got %s", body)
	}
}

func TestExecuteBatchEmptyArrayIsInvalid(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	body, ok := p.ExecuteBatch(context.Background(), nil, CallContext{})
	if !ok {
		t.Fatalf("expected a response")
	}
	if !strings.Contains(string(body), "Invalid Request") {
		t.Fatalf("got %s", body)
	}
}

func TestExecuteBatchSuccess(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	_, items, _ := rpc.ParseFrame([]byte(`[{"jsonrpc":"2.0","method":"ping","id":1},{"jsonrpc":"2.0","method":"ping"}]`))
	body, ok := p.ExecuteBatch(context.Background(), items, CallContext{})
	if !ok {
		t.Fatalf("expected a response")
	}
	if !strings.HasPrefix(string(body), "[") || !strings.HasSuffix(string(body), "]") {
		t.Fatalf("expected a JSON array, got %s", body)
	}
	if strings.Count(string(body), "pong") != 1 {
		t.Fatalf("expected exactly one response (the notification produces none), got %s", body)
	}
}

func TestExecuteBatchResponseTooLargeCollapsesToSingleError(t *testing.T) {
	reg := registry.New()
	if err := reg.InsertSync("ping", pingHandler); err != nil {
		t.Fatalf("insert sync: %v", err)
	}
	p := New(reg.Snapshot(), Config{MaxResponseBytes: 120, Batch: BatchMode{Kind: BatchUnlimited}})

	raw := "["
	for i := 0; i < 5; i++ {
		if i > 0 {
			raw += ","
		}
		raw += `{"jsonrpc":"2.0","method":"ping","id":` + strconv.Itoa(i) + `}`
	}
	raw += "]"
	_, items, _ := rpc.ParseFrame([]byte(raw))

	body, ok := p.ExecuteBatch(context.Background(), items, CallContext{})
	if !ok {
		t.Fatalf("expected a response")
	}
	if !strings.HasPrefix(string(body), "{") {
		t.Fatalf("expected the whole batch replaced by one error object, got %s", body)
	}
	if !strings.Contains(string(body), "batch response too large") {
		t.Fatalf("expected the batch-specific error message, got %s", body)
	}
	if len(body) > 120 {
		t.Fatalf("replacement error must itself respect the limit, got %d bytes", len(body))
	}
}

// sequencedIDProvider returns ids in order, repeating the last one once
// exhausted, used to force a subscription key collision on demand.
type sequencedIDProvider struct {
	ids []rpc.SubscriptionID
	i   int
}

func (p *sequencedIDProvider) Next() rpc.SubscriptionID {
	id := p.ids[p.i]
	if p.i < len(p.ids)-1 {
		p.i++
	}
	return id
}

func TestDispatchSubscribeResamplesOnKeyCollision(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	sink := newFakeSink()
	bounded := subscription.NewBoundedSubscriptions(4)
	collidingID := rpc.NewNumericSubscriptionID(42)
	freshID := rpc.NewNumericSubscriptionID(43)

	// First subscribe call installs the colliding id as a live subscription.
	cc1 := CallContext{
		ConnID:   7,
		Outbound: sink,
		ConnState: &subscription.ConnectionState{
			ConnID:     7,
			IDProvider: &sequencedIDProvider{ids: []rpc.SubscriptionID{collidingID}},
			Permit:     bounded.Acquire(),
			SubLimit:   4,
		},
	}
	item1, _, _ := rpc.ParseFrame([]byte(`{"jsonrpc":"2.0","method":"subscribe_x","id":1}`))
	if _, ok := p.ExecuteSingle(context.Background(), item1, cc1); ok {
		t.Fatalf("expected no dispatcher-level response for an accepted subscribe")
	}

	// Second subscribe call's provider collides twice with the now-live id
	// before producing a fresh one; dispatch must resample rather than
	// overwrite the first subscription's table entry.
	cc2 := CallContext{
		ConnID:   7,
		Outbound: sink,
		ConnState: &subscription.ConnectionState{
			ConnID:     7,
			IDProvider: &sequencedIDProvider{ids: []rpc.SubscriptionID{collidingID, collidingID, freshID}},
			Permit:     bounded.Acquire(),
			SubLimit:   4,
		},
	}
	item2, _, _ := rpc.ParseFrame([]byte(`{"jsonrpc":"2.0","method":"subscribe_x","id":2}`))
	if _, ok := p.ExecuteSingle(context.Background(), item2, cc2); ok {
		t.Fatalf("expected no dispatcher-level response for an accepted subscribe")
	}

	entry, ok := p.registry.Lookup("subscribe_x")
	if !ok {
		t.Fatalf("expected subscribe_x to be registered")
	}
	if entry.SubTable.Len() != 2 {
		t.Fatalf("expected both subscriptions to coexist in the table, got len %d", entry.SubTable.Len())
	}
}

func TestExecuteBatchWithSubscribeEntrySkipsNilBodyWithoutCorruptingArray(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	sink := newFakeSink()
	bounded := subscription.NewBoundedSubscriptions(2)
	cc := CallContext{
		ConnID:   1,
		Outbound: sink,
		ConnState: &subscription.ConnectionState{
			ConnID:     1,
			IDProvider: rpc.RandomNumericIDProvider{},
			Permit:     bounded.Acquire(),
			SubLimit:   2,
		},
	}
	_, items, _ := rpc.ParseFrame([]byte(`[{"jsonrpc":"2.0","method":"ping","id":1},{"jsonrpc":"2.0","method":"subscribe_x","id":2}]`))
	body, ok := p.ExecuteBatch(context.Background(), items, cc)
	if !ok {
		t.Fatalf("expected a response")
	}
	if strings.Contains(string(body), ",,") || strings.Contains(string(body), "[,") {
		t.Fatalf("batch array must not contain an empty element for the settled subscribe call, got %s", body)
	}
	if strings.Count(string(body), "pong") != 1 {
		t.Fatalf("expected exactly one array entry (the ping call), got %s", body)
	}
	// The subscribe call's own reply went out through the outbound sink
	// directly, not through the batch array.
	if len(sink.Messages()) != 1 {
		t.Fatalf("expected the subscribe reply pushed through the outbound sink, got %d messages", len(sink.Messages()))
	}
}

func TestExecuteBatchAllNotificationsProducesNoResponse(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchLimited, Limit: 10})
	_, items, _ := rpc.ParseFrame([]byte(`[{"jsonrpc":"2.0","method":"ping"},{"jsonrpc":"2.0","method":"ping"}]`))
	body, ok := p.ExecuteBatch(context.Background(), items, CallContext{})
	if ok || body != nil {
		t.Fatalf("expected no response when every batch member is a notification")
	}
}

func TestExecuteBatchUnlimitedAllowsLargeBatches(t *testing.T) {
	p, _ := newTestPipeline(t, BatchMode{Kind: BatchUnlimited})
	raw := "["
	for i := 0; i < 50; i++ {
		if i > 0 {
			raw += ","
		}
		raw += `{"jsonrpc":"2.0","method":"ping","id":` + strconv.Itoa(i) + `}`
	}
	raw += "]"
	_, items, _ := rpc.ParseFrame([]byte(raw))
	body, ok := p.ExecuteBatch(context.Background(), items, CallContext{})
	if !ok {
		t.Fatalf("expected a response")
	}
	if strings.Count(string(body), "pong") != 50 {
		t.Fatalf("expected 50 responses, got body %s", body)
	}
}
