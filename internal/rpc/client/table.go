package client

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/adred-codev/jsonrpc2/internal/rpc"
	"github.com/adred-codev/jsonrpc2/internal/rpc/idgen"
)

// entryKind tags what a tableEntry is waiting for: a call response, a
// subscribe response, a live subscription's pushes, an unsubscribe
// acknowledgement, or one member of a batch.
type entryKind int

const (
	pendingCall entryKind = iota
	pendingSubscription
	activeSubscription
	pendingUnsubscribe
	pendingBatch
)

type tableEntry struct {
	kind entryKind

	// pendingCall
	callReply chan callResult

	// pendingSubscription / activeSubscription
	subReply          chan subscribeResult
	unsubscribeMethod string
	guard             *idgen.Guard
	subID             rpc.SubscriptionID
	notifCh           chan json.RawMessage
	closed            chan struct{}
	closeOnce         *sync.Once
	numericID         uint64 // original subscribe-request id, for removeSubscription

	// pendingBatch membership: batchKey identifies the shared batchState this
	// numeric id belongs to.
	batchKey uint64
}

// batchState accumulates the results of one in-flight batch call until every
// member id has resolved (or the whole batch fails outright).
type batchState struct {
	positions map[uint64]int
	results   []BatchResult
	remaining int
	reply     chan batchResult
}

// table is the client background task's private correlation state: a
// numeric-id -> entry map, plus a subscription-id -> entry index used to
// route server-pushed notifications without a linear scan.
type table struct {
	byNumericID map[uint64]*tableEntry
	bySubID     map[any]*tableEntry
	batches     map[uint64]*batchState
}

func newTable() *table {
	return &table{
		byNumericID: make(map[uint64]*tableEntry),
		bySubID:     make(map[any]*tableEntry),
		batches:     make(map[uint64]*batchState),
	}
}

func (t *table) putCall(id uint64, reply chan callResult) {
	t.byNumericID[id] = &tableEntry{kind: pendingCall, callReply: reply}
}

func (t *table) putSubscription(id uint64, reply chan subscribeResult, unsubscribeMethod string, guard *idgen.Guard) {
	t.byNumericID[id] = &tableEntry{kind: pendingSubscription, subReply: reply, unsubscribeMethod: unsubscribeMethod, guard: guard}
}

func (t *table) putUnsubscribe(id uint64) {
	t.byNumericID[id] = &tableEntry{kind: pendingUnsubscribe}
}

func (t *table) putBatch(ids []uint64, reply chan batchResult) {
	key := ids[0]
	state := &batchState{
		positions: make(map[uint64]int, len(ids)),
		results:   make([]BatchResult, len(ids)),
		remaining: len(ids),
		reply:     reply,
	}
	for pos, id := range ids {
		state.positions[id] = pos
		t.byNumericID[id] = &tableEntry{kind: pendingBatch, batchKey: key}
	}
	t.batches[key] = state
}

// failBatch resolves a batch whose request frame never made it onto the
// wire (a transport write error), removing every member id from the table.
func (t *table) failBatch(ids []uint64) (chan batchResult, bool) {
	if len(ids) == 0 {
		return nil, false
	}
	key := ids[0]
	state, ok := t.batches[key]
	if !ok {
		return nil, false
	}
	delete(t.batches, key)
	for _, id := range ids {
		delete(t.byNumericID, id)
	}
	return state.reply, true
}

// activateSubscription transitions a PendingSubscription entry into
// ActiveSubscription in place, installing it into the subscription-id index.
func (t *table) activateSubscription(id uint64, subID rpc.SubscriptionID, notifCh chan json.RawMessage, closed chan struct{}) *tableEntry {
	e, ok := t.byNumericID[id]
	if !ok {
		return nil
	}
	e.kind = activeSubscription
	e.subID = subID
	e.notifCh = notifCh
	e.closed = closed
	e.closeOnce = &sync.Once{}
	e.numericID = id
	t.bySubID[subID.Key()] = e
	return e
}

// take removes and returns the entry for a numeric id, used for terminal
// events (response delivered, unsubscribe acknowledged).
func (t *table) take(id uint64) (*tableEntry, bool) {
	e, ok := t.byNumericID[id]
	if ok {
		delete(t.byNumericID, id)
	}
	return e, ok
}

// peek returns the entry without removing it.
func (t *table) peek(id uint64) (*tableEntry, bool) {
	e, ok := t.byNumericID[id]
	return e, ok
}

// activeBySubID looks up a live subscription by its server-assigned id.
func (t *table) activeBySubID(subID rpc.SubscriptionID) *tableEntry {
	return t.bySubID[subID.Key()]
}

// removeSubscription tears down both indices for subID. It runs when a
// subscription ends client-side, before its unsubscribe call is sent, and
// when the server pushes a final "error" notification; fail() clears the
// table itself without calling it.
func (t *table) removeSubscription(subID rpc.SubscriptionID) {
	if e, ok := t.bySubID[subID.Key()]; ok {
		delete(t.byNumericID, e.numericID)
	}
	delete(t.bySubID, subID.Key())
}

// resolveBatchMember records one response against its batch and, once every
// member has resolved, returns the shared reply channel and final ordered
// results ready to deliver.
func (t *table) resolveBatchMember(id uint64, res BatchResult) (chan batchResult, []BatchResult, bool) {
	e, ok := t.byNumericID[id]
	if !ok || e.kind != pendingBatch {
		return nil, nil, false
	}
	delete(t.byNumericID, id)
	state, ok := t.batches[e.batchKey]
	if !ok {
		return nil, nil, false
	}
	pos, ok := state.positions[id]
	if !ok {
		return nil, nil, false
	}
	state.results[pos] = res
	state.remaining--
	if state.remaining > 0 {
		return nil, nil, false
	}
	delete(t.batches, e.batchKey)
	return state.reply, state.results, true
}

// numericKeyFor recovers the uint64 correlation key this package always
// generates ids from, whether the wire Kind renders them as a JSON number or
// as a numeric string (idgen.Kind).
func numericKeyFor(id rpc.ID) (uint64, bool) {
	n, err := strconv.ParseUint(id.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
