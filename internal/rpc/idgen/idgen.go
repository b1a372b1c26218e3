// Package idgen implements the client-side request ID manager: a
// concurrency-limited issuer of numeric or string ids whose permits are
// released when the in-flight request completes, times out, or the
// subscription built from it is torn down.
package idgen

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/jsonrpc2/internal/rpc"
)

// Kind selects how issued ids are rendered on the wire.
type Kind int

const (
	KindNumber Kind = iota
	KindString
)

// Manager issues request ids bounded by a semaphore of max_concurrent_requests
// permits.
type Manager struct {
	kind    Kind
	sem     chan struct{}
	batchMu sync.Mutex // serializes multi-permit acquisition: see NextIDs
	next    uint64
	mu      sync.Mutex
	live    map[uint64]struct{} // outstanding numeric ids, to detect wraparound collisions
}

// New creates a Manager that allows at most maxConcurrent outstanding
// requests at a time.
func New(kind Kind, maxConcurrent int) *Manager {
	return &Manager{
		kind: kind,
		sem:  make(chan struct{}, maxConcurrent),
		live: make(map[uint64]struct{}),
	}
}

// Guard carries one issued id and releases its semaphore permit exactly
// once, on the first call to Release. A Guard that is never released keeps
// its permit; nothing releases it on garbage collection. Callers should always call Release on the
// terminal response, cancellation, or timeout path, so every in-flight
// request holds exactly one permit until a terminal event releases it.
type Guard struct {
	mgr      *Manager
	numeric  uint64
	released int32
}

// ID renders the issued id in the Manager's configured wire Kind.
func (g *Guard) ID() rpc.ID {
	if g.mgr.kind == KindString {
		return rpc.NewStringID(fmt.Sprintf("%d", g.numeric))
	}
	return rpc.NewNumberID(int64(g.numeric))
}

// Numeric returns the raw numeric id, used as the correlation-table key
// regardless of wire Kind.
func (g *Guard) Numeric() uint64 { return g.numeric }

// Release frees the semaphore permit this guard holds. Safe to call more
// than once; only the first call has effect.
func (g *Guard) Release() {
	if !atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		return
	}
	g.mgr.mu.Lock()
	delete(g.mgr.live, g.numeric)
	g.mgr.mu.Unlock()
	<-g.mgr.sem
}

// NextID acquires one permit and returns a Guard carrying a fresh numeric
// id. It blocks until a permit is available or ctx is done.
func (m *Manager) NextID(ctx context.Context) (*Guard, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Guard{mgr: m, numeric: m.allocate()}, nil
}

// NextIDs acquires n permits atomically: either all n are reserved or none
// are, so a batch call never holds a partial reservation. Fails if n
// exceeds the manager's total capacity. Only one multi-permit acquisition
// runs at a time (batchMu): two concurrent batches racing for the shared
// semaphore could otherwise each grab a partial reservation and deadlock
// waiting on permits the other holds.
func (m *Manager) NextIDs(ctx context.Context, n int) ([]*Guard, error) {
	if n > cap(m.sem) {
		return nil, fmt.Errorf("idgen: batch of %d exceeds max_concurrent_requests (%d)", n, cap(m.sem))
	}
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	acquired := make([]*Guard, 0, n)
	for len(acquired) < n {
		select {
		case m.sem <- struct{}{}:
			acquired = append(acquired, &Guard{mgr: m, numeric: m.allocate()})
		case <-ctx.Done():
			for _, g := range acquired {
				g.Release()
			}
			return nil, ctx.Err()
		}
	}
	return acquired, nil
}

// allocate returns the next numeric id, wrapping on overflow and
// re-sampling past any id that is still outstanding. A collision needs a
// not-yet-released holder to survive a full 2^64 wrap, practically
// unreachable since the semaphore bounds concurrency far below that, but
// the check keeps the invariant unconditional.
func (m *Manager) allocate() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		id := m.next
		m.next++
		if _, busy := m.live[id]; !busy {
			m.live[id] = struct{}{}
			return id
		}
	}
}
