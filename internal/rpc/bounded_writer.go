package rpc

import (
	"encoding/json"
	"errors"
)

// ErrResponseTooLarge is returned by BoundedWriter.Write once the configured
// limit would be exceeded by the next chunk.
var ErrResponseTooLarge = errors.New("response exceeds configured size limit")

// BoundedWriter accumulates bytes up to a fixed limit. Every outbound
// response (single, batch item, or subscription notification) is serialized
// into one of these so oversized payloads are caught before they ever reach
// the socket.
type BoundedWriter struct {
	limit   int
	written int
	buf     []byte
}

// NewBoundedWriter creates a writer that rejects anything beyond limit bytes.
func NewBoundedWriter(limit int) *BoundedWriter {
	return &BoundedWriter{limit: limit}
}

// Write appends chunk, failing with ErrResponseTooLarge as soon as
// written+len(chunk) would exceed the limit. Partial writes are not kept.
func (w *BoundedWriter) Write(chunk []byte) (int, error) {
	if w.written+len(chunk) > w.limit {
		return 0, ErrResponseTooLarge
	}
	w.buf = append(w.buf, chunk...)
	w.written += len(chunk)
	return len(chunk), nil
}

// Len returns the number of bytes written so far.
func (w *BoundedWriter) Len() int { return w.written }

// Bytes returns the accumulated buffer.
func (w *BoundedWriter) Bytes() []byte { return w.buf }

// Reset clears the writer for reuse against the same limit.
func (w *BoundedWriter) Reset() {
	w.written = 0
	w.buf = w.buf[:0]
}

// MarshalBounded serializes v and enforces limit through a BoundedWriter,
// returning ErrResponseTooLarge if the encoded form would not fit.
func MarshalBounded(v any, limit int) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	bw := NewBoundedWriter(limit)
	if _, err := bw.Write(data); err != nil {
		return nil, err
	}
	return bw.Bytes(), nil
}

// OversizedResponseError builds the short error payload sent in place of a
// response that would have exceeded the configured limit. The payload is
// not itself checked against limit: with id 1 and limit 64 it is 89 bytes.
func OversizedResponseError(id ID, limit int) *Response {
	return NewFailure(id, NewError(ErrCodeOversizedResponse, "response too large", limit))
}

// MarshalOversized renders OversizedResponseError unconditionally; the
// fixed-shape error payload is small enough to always fit any reasonable
// limit, so callers use this once MarshalBounded has already failed once.
func MarshalOversized(id ID, limit int) []byte {
	data, err := json.Marshal(OversizedResponseError(id, limit))
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32011,"message":"response too large"},"id":null}`)
	}
	return data
}
