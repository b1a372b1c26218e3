package rpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestIsBatchAndIsObject(t *testing.T) {
	if !IsBatch([]byte("  [1,2]")) {
		t.Fatalf("expected batch detection with leading whitespace")
	}
	if !IsObject([]byte("\n{\"a\":1}")) {
		t.Fatalf("expected object detection with leading whitespace")
	}
	if IsBatch([]byte("{}")) {
		t.Fatalf("object should not classify as batch")
	}
	if IsObject([]byte("[]")) {
		t.Fatalf("array should not classify as object")
	}
}

func TestParamsBindAndEmpty(t *testing.T) {
	var p Params
	if !p.IsEmpty() {
		t.Fatalf("zero-value params should be empty")
	}

	p = NewParams([]byte(`[1,2,3]`))
	if p.IsEmpty() {
		t.Fatalf("non-empty params reported as empty")
	}
	var out []int
	if err := p.Bind(&out); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(out) != 3 || out[2] != 3 {
		t.Fatalf("got %v", out)
	}
}

func TestResponseIsSuccess(t *testing.T) {
	ok := NewSuccess(NewNumberID(1), "done")
	if !ok.IsSuccess() {
		t.Fatalf("expected success response")
	}
	failed := NewFailure(NewNumberID(1), NewError(ErrCodeInternalError, "boom", nil))
	if failed.IsSuccess() {
		t.Fatalf("expected failure response")
	}
}

func TestSuccessResponseMarshalsNullResult(t *testing.T) {
	data, err := json.Marshal(NewSuccess(NewNumberID(1), nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(data), `{"jsonrpc":"2.0","result":null,"id":1}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestFailureResponseOmitsResult(t *testing.T) {
	data, err := json.Marshal(NewFailure(NewNumberID(1), NewError(ErrCodeInternalError, "boom", nil)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"result"`) {
		t.Fatalf("failure response must not carry a result member, got %s", data)
	}
	if !strings.Contains(string(data), `"error"`) {
		t.Fatalf("failure response must carry an error member, got %s", data)
	}
}

func TestErrorSatisfiesErrorInterface(t *testing.T) {
	var err error = NewError(ErrCodeInvalidParams, "bad params", nil)
	if err.Error() != "bad params" {
		t.Fatalf("got %q, want %q", err.Error(), "bad params")
	}
}
