package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport is the framed-message duplex the background task reads from and
// writes to. It deliberately says nothing about WebSocket vs any other
// framing; WSTransport below is the one concrete implementation this
// runtime ships.
type Transport interface {
	// WriteMessage sends one complete frame, blocking at most until ctx is done.
	WriteMessage(ctx context.Context, data []byte) error
	// ReadMessage blocks for the next complete frame. Returns a non-nil error
	// (including io.EOF) once the peer closes or the connection fails; the
	// background task treats any such error as fatal.
	ReadMessage() ([]byte, error)
	Close() error
}

// DialOptions configures WSTransport.Dial.
type DialOptions struct {
	ConnectionTimeout time.Duration
	TLSConfig         *tls.Config
	Header            ws.HandshakeHeaderFunc // extra handshake headers
}

// WSTransport implements Transport over a raw gobwas/ws client connection,
// so both ends of this runtime speak WebSocket through one dependency.
type WSTransport struct {
	conn net.Conn
	mu   sync.Mutex // serializes writes; wsutil writers are not safe for concurrent use
}

// Dial performs the WebSocket handshake against addr (a ws:// or wss:// URL)
// and returns a ready Transport.
func Dial(ctx context.Context, addr string, opts DialOptions) (*WSTransport, error) {
	if _, err := url.Parse(addr); err != nil {
		return nil, fmt.Errorf("client: invalid address %q: %w", addr, err)
	}
	if opts.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectionTimeout)
		defer cancel()
	}

	dialer := ws.Dialer{
		TLSConfig: opts.TLSConfig,
		Header:    opts.Header,
	}
	conn, _, _, err := dialer.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &WSTransport{conn: conn}, nil
}

// WriteMessage writes one text frame, honoring ctx's deadline if it carries one.
func (t *WSTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(t.conn, ws.OpText, data)
}

// ReadMessage blocks for the next text/binary frame from the server,
// transparently handling ping/pong/close control frames the way the
// underlying wsutil reader does.
func (t *WSTransport) ReadMessage() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadServerData(t.conn)
		if err != nil {
			return nil, err
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			return data, nil
		case ws.OpClose:
			return nil, fmt.Errorf("client: server closed the connection")
		default:
			continue
		}
	}
}

// Close closes the underlying connection.
func (t *WSTransport) Close() error {
	return t.conn.Close()
}
