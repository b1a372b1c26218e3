package rpc

import "testing"

func TestParseFrameSingleCall(t *testing.T) {
	single, batch, isBatch := ParseFrame([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	if isBatch {
		t.Fatalf("expected non-batch frame")
	}
	if batch != nil {
		t.Fatalf("expected nil batch slice")
	}
	if !single.IsCall() {
		t.Fatalf("expected a call item")
	}
	if single.Request.Method != "ping" {
		t.Fatalf("got method %q, want ping", single.Request.Method)
	}
}

func TestParseFrameSingleNotification(t *testing.T) {
	single, _, isBatch := ParseFrame([]byte(`{"jsonrpc":"2.0","method":"tick"}`))
	if isBatch {
		t.Fatalf("expected non-batch frame")
	}
	if !single.IsNotification() {
		t.Fatalf("expected a notification item")
	}
	if single.Notification.Method != "tick" {
		t.Fatalf("got method %q, want tick", single.Notification.Method)
	}
}

func TestParseFrameNullIDStaysACall(t *testing.T) {
	single, _, _ := ParseFrame([]byte(`{"jsonrpc":"2.0","method":"ping","id":null}`))
	if !single.IsCall() {
		t.Fatalf("explicit id:null should still be treated as a call, not a notification")
	}
}

func TestParseFrameInvalidVersion(t *testing.T) {
	single, _, _ := ParseFrame([]byte(`{"jsonrpc":"1.0","method":"ping","id":1}`))
	if !single.IsInvalid() {
		t.Fatalf("expected invalid item for wrong jsonrpc version")
	}
	if single.Invalid.Code != ErrCodeInvalidRequest {
		t.Fatalf("got code %d, want %d", single.Invalid.Code, ErrCodeInvalidRequest)
	}
}

func TestParseFrameMissingMethod(t *testing.T) {
	single, _, _ := ParseFrame([]byte(`{"jsonrpc":"2.0","id":1}`))
	if !single.IsInvalid() {
		t.Fatalf("expected invalid item for missing method")
	}
}

func TestParseFrameMalformedJSONIsParseError(t *testing.T) {
	single, _, _ := ParseFrame([]byte(`{"jsonrpc":"2.0","method":"ping","id":7,}`))
	if !single.IsInvalid() {
		t.Fatalf("expected invalid item for malformed JSON")
	}
	if single.Invalid.Code != ErrCodeParseError {
		t.Fatalf("got code %d, want %d", single.Invalid.Code, ErrCodeParseError)
	}
}

func TestParseFrameBatch(t *testing.T) {
	data := []byte(`[{"jsonrpc":"2.0","method":"a","id":1},{"jsonrpc":"2.0","method":"b"}]`)
	single, batch, isBatch := ParseFrame(data)
	if !isBatch {
		t.Fatalf("expected batch frame")
	}
	if single.Request != nil || single.Notification != nil {
		t.Fatalf("expected zero-value single item for a batch frame")
	}
	if len(batch) != 2 {
		t.Fatalf("got %d items, want 2", len(batch))
	}
	if !batch[0].IsCall() {
		t.Fatalf("expected first batch item to be a call")
	}
	if !batch[1].IsNotification() {
		t.Fatalf("expected second batch item to be a notification")
	}
}

func TestParseFrameBatchWithInvalidElement(t *testing.T) {
	data := []byte(`[{"jsonrpc":"2.0","method":"a","id":1}, 5]`)
	_, batch, isBatch := ParseFrame(data)
	if !isBatch {
		t.Fatalf("expected batch frame")
	}
	if len(batch) != 2 {
		t.Fatalf("got %d items, want 2", len(batch))
	}
	if !batch[1].IsInvalid() {
		t.Fatalf("expected second item (a bare number) to be invalid")
	}
}

func TestParseFrameBatchMalformedArray(t *testing.T) {
	_, batch, isBatch := ParseFrame([]byte(`[{"jsonrpc":"2.0"`))
	if !isBatch {
		t.Fatalf("expected batch classification from leading '['")
	}
	if len(batch) != 1 || !batch[0].IsInvalid() {
		t.Fatalf("expected single invalid placeholder item for malformed array")
	}
}
