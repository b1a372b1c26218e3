package rpc

import (
	"errors"
	"testing"
)

func TestBoundedWriterAcceptsWithinLimit(t *testing.T) {
	w := NewBoundedWriter(10)
	n, err := w.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("got %d, want 5", n)
	}
	if w.Len() != 5 {
		t.Fatalf("got len %d, want 5", w.Len())
	}
}

func TestBoundedWriterRejectsOverLimit(t *testing.T) {
	w := NewBoundedWriter(4)
	if _, err := w.Write([]byte("hello")); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("got %v, want ErrResponseTooLarge", err)
	}
	if w.Len() != 0 {
		t.Fatalf("partial write should not be kept, got len %d", w.Len())
	}
}

func TestBoundedWriterReset(t *testing.T) {
	w := NewBoundedWriter(10)
	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Reset()
	if w.Len() != 0 {
		t.Fatalf("expected len 0 after reset, got %d", w.Len())
	}
	if _, err := w.Write([]byte("defghij")); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestMarshalBounded(t *testing.T) {
	if _, err := MarshalBounded(map[string]string{"k": "v"}, 1024); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := MarshalBounded(map[string]string{"k": "a long value that exceeds the limit"}, 8); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("got %v, want ErrResponseTooLarge", err)
	}
}

func TestMarshalOversizedStaysSmall(t *testing.T) {
	data := MarshalOversized(NewNumberID(1), 64)
	if len(data) == 0 {
		t.Fatalf("expected non-empty payload")
	}
	if len(data) > 256 {
		t.Fatalf("oversized error payload unexpectedly large: %d bytes", len(data))
	}
}
