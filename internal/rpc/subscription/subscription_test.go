package subscription

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/jsonrpc2/internal/rpc"
)

type fakeSink struct {
	mu       sync.Mutex
	sent     [][]byte
	full     bool
	closedCh chan struct{}
}

func newFakeSink() *fakeSink { return &fakeSink{closedCh: make(chan struct{})} }

func (f *fakeSink) TrySend(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeSink) Send(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Closed() <-chan struct{} { return f.closedCh }

func (f *fakeSink) Messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestBoundedSubscriptionsAcquireRelease(t *testing.T) {
	b := NewBoundedSubscriptions(2)
	p1 := b.Acquire()
	if p1 == nil {
		t.Fatalf("expected first acquire to succeed")
	}
	p2 := b.Acquire()
	if p2 == nil {
		t.Fatalf("expected second acquire to succeed")
	}
	if p3 := b.Acquire(); p3 != nil {
		t.Fatalf("expected third acquire to fail, budget exhausted")
	}
	if b.InUse() != 2 {
		t.Fatalf("got InUse %d, want 2", b.InUse())
	}
	p1.Release()
	if b.InUse() != 1 {
		t.Fatalf("got InUse %d, want 1 after release", b.InUse())
	}
	// Release is idempotent.
	p1.Release()
	if b.InUse() != 1 {
		t.Fatalf("double release should not free an extra slot")
	}
	if p4 := b.Acquire(); p4 == nil {
		t.Fatalf("expected acquire to succeed after a release freed a slot")
	}
}

func TestPendingAcceptInstallsSubscriptionAndSettles(t *testing.T) {
	table := NewTable()
	sink := newFakeSink()
	key := Key{ConnID: 1, SubID: rpc.NewNumericSubscriptionID(5)}
	pending := NewPending(table, key, rpc.NewNumberID(1), "x_notification", sink, 4096)

	subSink, body, err := pending.Accept(context.Background())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if subSink == nil {
		t.Fatalf("expected a non-nil sink on accept")
	}
	if !strings.Contains(string(body), `"result":5`) {
		t.Fatalf("expected success response to carry the subscription id, got %s", body)
	}
	if table.Len() != 1 {
		t.Fatalf("expected subscription installed in table, got len %d", table.Len())
	}
	if !pending.Settled() {
		t.Fatalf("expected pending to be settled after accept")
	}
	if _, _, err := pending.Accept(context.Background()); err == nil {
		t.Fatalf("expected error calling accept twice")
	}
}

func TestPendingRejectDoesNotInstallSubscription(t *testing.T) {
	table := NewTable()
	sink := newFakeSink()
	key := Key{ConnID: 1, SubID: rpc.NewNumericSubscriptionID(6)}
	pending := NewPending(table, key, rpc.NewNumberID(1), "x_notification", sink, 4096)

	body, err := pending.Reject(context.Background(), rpc.NewError(rpc.ErrCodeTooManySubscriptions, "too many subscriptions", nil))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !strings.Contains(string(body), "too many subscriptions") {
		t.Fatalf("expected rejection error message in body, got %s", body)
	}
	if table.Len() != 0 {
		t.Fatalf("expected no subscription installed after reject")
	}
	if !pending.Settled() {
		t.Fatalf("expected pending to be settled after reject")
	}
}

func TestSinkSendAndTrySend(t *testing.T) {
	table := NewTable()
	sink := newFakeSink()
	key := Key{ConnID: 2, SubID: rpc.NewNumericSubscriptionID(9)}
	pending := NewPending(table, key, rpc.NewNumberID(1), "x_notification", sink, 4096)
	subSink, _, err := pending.Accept(context.Background())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := subSink.TrySend(map[string]int{"value": 1}); err != nil {
		t.Fatalf("try send: %v", err)
	}
	msgs := sink.Messages()
	if len(msgs) != 2 { // accept response + notification
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !strings.Contains(string(msgs[1]), `"method":"x_notification"`) {
		t.Fatalf("expected notification framing, got %s", msgs[1])
	}
	if !strings.Contains(string(msgs[1]), `"subscription":9`) {
		t.Fatalf("expected subscription id in notification params, got %s", msgs[1])
	}
}

func TestSinkClosedAfterTableRemove(t *testing.T) {
	table := NewTable()
	sink := newFakeSink()
	key := Key{ConnID: 3, SubID: rpc.NewNumericSubscriptionID(11)}
	pending := NewPending(table, key, rpc.NewNumberID(1), "x_notification", sink, 4096)
	subSink, _, err := pending.Accept(context.Background())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	select {
	case <-subSink.Closed():
		t.Fatalf("sink should not be closed yet")
	default:
	}

	if !table.Remove(key) {
		t.Fatalf("expected key to be present in table")
	}

	select {
	case <-subSink.Closed():
	case <-time.After(time.Second):
		t.Fatalf("expected sink to observe closure after table removal")
	}

	if err := subSink.TrySend(1); err != ErrDisconnected {
		t.Fatalf("got %v, want ErrDisconnected", err)
	}
}

func TestTableRemoveConnectionTearsDownAll(t *testing.T) {
	table := NewTable()
	sink := newFakeSink()
	key1 := Key{ConnID: 4, SubID: rpc.NewNumericSubscriptionID(1)}
	key2 := Key{ConnID: 4, SubID: rpc.NewNumericSubscriptionID(2)}
	otherKey := Key{ConnID: 5, SubID: rpc.NewNumericSubscriptionID(1)}

	for _, k := range []Key{key1, key2, otherKey} {
		p := NewPending(table, k, rpc.NewNumberID(1), "x_notification", sink, 4096)
		if _, _, err := p.Accept(context.Background()); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if table.Len() != 3 {
		t.Fatalf("got len %d, want 3", table.Len())
	}

	table.RemoveConnection(4)
	if table.Len() != 1 {
		t.Fatalf("got len %d, want 1 after removing connection 4's subscriptions", table.Len())
	}
}
