package rpc

import "testing"

func TestIDRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		id   ID
	}{
		{"number", NewNumberID(42)},
		{"string", NewStringID("abc")},
		{"null", NullID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.id.MarshalJSON()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got ID
			if err := got.UnmarshalJSON(data); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !got.Equal(tc.id) {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, tc.id)
			}
		})
	}
}

func TestIDUnmarshalNullVariants(t *testing.T) {
	var id ID
	if err := id.UnmarshalJSON([]byte("null")); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if !id.IsNull() {
		t.Fatalf("expected null id")
	}
}

func TestIDUnmarshalInvalid(t *testing.T) {
	var id ID
	if err := id.UnmarshalJSON([]byte("{}")); err == nil {
		t.Fatalf("expected error unmarshaling object as id")
	}
}

func TestIDStringRendering(t *testing.T) {
	if got := NewNumberID(7).String(); got != "7" {
		t.Fatalf("got %q, want 7", got)
	}
	if got := NewStringID("x").String(); got != "x" {
		t.Fatalf("got %q, want x", got)
	}
	if got := NullID.String(); got != "null" {
		t.Fatalf("got %q, want null", got)
	}
}

func TestIDEqual(t *testing.T) {
	if !NewNumberID(1).Equal(NewNumberID(1)) {
		t.Fatalf("equal numeric ids should compare equal")
	}
	if NewNumberID(1).Equal(NewStringID("1")) {
		t.Fatalf("numeric and string ids with same text should not be equal")
	}
	if !NullID.Equal(ID{isNull: true}) {
		t.Fatalf("null ids should compare equal")
	}
}
