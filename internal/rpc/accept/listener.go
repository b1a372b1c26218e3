// Package accept implements the accept loop and resource guard. Admission
// control lives in a net.Listener decorator so the connection limit applies
// uniformly to both HTTP and WebSocket traffic before any protocol framing
// begins.
package accept

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/jsonrpc2/internal/limits"
)

// Conn wraps an accepted net.Conn with the monotonically-wrapping
// connection id assigned to it.
type Conn struct {
	net.Conn
	ID uint32
}

// Listener decorates a net.Listener with TCP_NODELAY, connection-id
// assignment, resource-guard admission, and an optional per-IP/global
// connection-rate limit. A connection rejected by either receives a
// minimal HTTP 429 response (the protocol framing the overwhelming
// majority of rejected clients will be speaking) and is closed without
// ever reaching the JSON-RPC layer.
type Listener struct {
	net.Listener
	guard       *limits.ConnectionGuard
	rateLimiter *limits.ConnectionRateLimiter // nil disables rate limiting
	logger      zerolog.Logger
	nextID      uint32
	closing     chan struct{}
}

// New wraps inner, rejecting connections the guard denies. rateLimiter may
// be nil to disable the additional per-IP/global rate check.
func New(inner net.Listener, guard *limits.ConnectionGuard, rateLimiter *limits.ConnectionRateLimiter, logger zerolog.Logger) *Listener {
	return &Listener{Listener: inner, guard: guard, rateLimiter: rateLimiter, logger: logger, closing: make(chan struct{})}
}

// Accept blocks for the next admitted connection. Rejected connections are
// closed internally and never returned; Accept loops past them rather than
// surfacing a rejection as an error, matching net.Listener's contract that
// Accept only returns on a live connection or a listener-level failure.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		raw, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if ok, reason := l.guard.ShouldAccept(); !ok {
			l.logger.Warn().Str("reason", reason).Msg("connection rejected by resource guard")
			rejectWithTooManyConnections(raw, reason)
			continue
		}

		if l.rateLimiter != nil {
			ip := remoteIP(raw)
			if !l.rateLimiter.CheckConnectionAllowed(ip) {
				l.logger.Warn().Str("ip", ip).Msg("connection rejected by rate limiter")
				rejectWithTooManyConnections(raw, "rate limited")
				continue
			}
		}

		if tc, ok := raw.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		id := atomic.AddUint32(&l.nextID, 1) // wraps at 2^32, acceptable: ids are scoped to the live-connection set, not globally unique forever
		return &Conn{Conn: raw, ID: id}, nil
	}
}

// Done returns the listener's stop-signal channel, closed once by Shutdown.
// Accepted connections select on this to learn the server is draining
// without each one needing its own shutdown subscription.
func (l *Listener) Done() <-chan struct{} {
	return l.closing
}

// Shutdown closes the stop-signal channel and the underlying listener.
// Safe to call once; a second call will panic on the double close, so
// callers own sequencing it with their own shutdown lifecycle.
func (l *Listener) Shutdown() error {
	close(l.closing)
	return l.Listener.Close()
}

// rejectWithTooManyConnections writes a minimal 429 response before closing
// a connection the guard denied.
func rejectWithTooManyConnections(conn net.Conn, reason string) {
	body := fmt.Sprintf("too many connections: %s", reason)
	resp := fmt.Sprintf("HTTP/1.1 429 Too Many Requests\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte(resp))
	conn.Close()
}

// remoteIP extracts the bare IP from conn's remote address, dropping the
// port, for use as the rate limiter's per-source key.
func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx]
	}
	return addr
}
