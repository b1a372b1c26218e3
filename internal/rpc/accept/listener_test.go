package accept

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/jsonrpc2/internal/limits"
)

// fakeAddr satisfies net.Addr for fakeListener.
type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

// fakeListener hands out pre-created net.Pipe connections in order,
// standing in for a real net.Listener so Accept's admission logic can be
// driven deterministically.
type fakeListener struct {
	conns chan net.Conn
}

func newFakeListener(n int) (*fakeListener, []net.Conn) {
	fl := &fakeListener{conns: make(chan net.Conn, n)}
	clients := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		server, client := net.Pipe()
		fl.conns <- server
		clients = append(clients, client)
	}
	return fl, clients
}

func (f *fakeListener) Accept() (net.Conn, error) {
	c, ok := <-f.conns
	if !ok {
		return nil, io.EOF
	}
	return c, nil
}

func (f *fakeListener) Close() error   { return nil }
func (f *fakeListener) Addr() net.Addr { return fakeAddr{} }
func (f *fakeListener) closeQueue()    { close(f.conns) }

func TestListenerAcceptAdmitsUnderLimit(t *testing.T) {
	fl, clients := newFakeListener(1)
	var currentConns int64
	guard := limits.NewConnectionGuard(limits.GuardConfig{MaxConnections: 2}, zerolog.Nop(), &currentConns)
	l := New(fl, guard, nil, zerolog.Nop())

	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("expected admission under the limit, got error: %v", err)
	}
	wrapped, ok := conn.(*Conn)
	if !ok {
		t.Fatalf("expected *accept.Conn, got %T", conn)
	}
	if wrapped.ID == 0 {
		t.Fatalf("expected a nonzero assigned connection id")
	}

	// The admitted connection must not have received a rejection response:
	// a write from the server side should still reach the client side.
	go wrapped.Write([]byte("hello"))
	buf := make([]byte, 5)
	clients[0].SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(clients[0], buf); err != nil {
		t.Fatalf("expected the admitted connection to carry application data, got: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", buf)
	}
}

func TestListenerAcceptRejectsAtLimitAndContinuesToNextConn(t *testing.T) {
	fl, clients := newFakeListener(2)
	fl.closeQueue()

	currentConns := int64(1)
	guard := limits.NewConnectionGuard(limits.GuardConfig{MaxConnections: 1}, zerolog.Nop(), &currentConns)
	l := New(fl, guard, nil, zerolog.Nop())

	// net.Pipe writes block until the peer reads, so each client drains its
	// rejection response concurrently with the accept loop.
	type rejection struct {
		status int
		err    error
	}
	results := make(chan rejection, len(clients))
	for _, c := range clients {
		go func(c net.Conn) {
			c.SetReadDeadline(time.Now().Add(2 * time.Second))
			resp, err := http.ReadResponse(bufio.NewReader(c), nil)
			if err != nil {
				results <- rejection{err: err}
				return
			}
			results <- rejection{status: resp.StatusCode}
		}(c)
	}

	// Both queued connections are rejected (current is pinned at the cap for
	// the duration of this test), so Accept must loop past both and return
	// the fake listener's EOF once the queue is drained rather than
	// surfacing either rejection as its own result.
	if _, err := l.Accept(); err != io.EOF {
		t.Fatalf("expected io.EOF once every queued connection was rejected, got: %v", err)
	}

	for i := 0; i < len(clients); i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("expected a parseable HTTP response before close, got: %v", r.err)
		}
		if r.status != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", r.status)
		}
	}
}
