package httpconn

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAllowlistFilterEmptyAllowsEverything(t *testing.T) {
	f := NewAllowlistFilter("", "")
	if !f.VerifyHost("example.com") {
		t.Fatalf("empty allowlist should allow any host")
	}
	if !f.VerifyOrigin("https://anywhere.test") {
		t.Fatalf("empty allowlist should allow any origin")
	}
}

func TestAllowlistFilterHostMatching(t *testing.T) {
	f := NewAllowlistFilter("api.example.com, rpc.example.com", "")
	if !f.VerifyHost("api.example.com") {
		t.Fatalf("expected api.example.com to be allowed")
	}
	if !f.VerifyHost("API.Example.com:8080") {
		t.Fatalf("expected case-insensitive, port-stripped match")
	}
	if f.VerifyHost("evil.example.com") {
		t.Fatalf("expected unlisted host to be rejected")
	}
}

func TestAllowlistFilterOriginMatching(t *testing.T) {
	f := NewAllowlistFilter("", "https://app.example.com")
	if !f.VerifyOrigin("https://app.example.com") {
		t.Fatalf("expected configured origin to be allowed")
	}
	if f.VerifyOrigin("https://evil.example.com") {
		t.Fatalf("expected unlisted origin to be rejected")
	}
}

func TestStripPortVariants(t *testing.T) {
	cases := map[string]string{
		"example.com:443": "example.com",
		"example.com":     "example.com",
		"[::1]:8080":      "[::1]",
	}
	for in, want := range cases {
		if got := stripPort(in); got != want {
			t.Fatalf("stripPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheckHostFilterNilAlwaysPasses(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://evil.example.com/", nil)
	if !checkHostFilter(nil, r) {
		t.Fatalf("nil filter should always pass")
	}
}

func TestCheckHostFilterRejectsBadHost(t *testing.T) {
	f := NewAllowlistFilter("good.example.com", "")
	r := httptest.NewRequest(http.MethodGet, "http://evil.example.com/", nil)
	r.Host = "evil.example.com"
	if checkHostFilter(f, r) {
		t.Fatalf("expected rejection for an unlisted host")
	}
}

func TestCheckHostFilterRejectsBadOrigin(t *testing.T) {
	f := NewAllowlistFilter("", "https://good.example.com")
	r := httptest.NewRequest(http.MethodGet, "http://good.example.com/", nil)
	r.Host = "good.example.com"
	r.Header.Set("Origin", "https://evil.example.com")
	if checkHostFilter(f, r) {
		t.Fatalf("expected rejection for an unlisted origin")
	}
}

func TestCheckHostFilterAllowsNoOriginHeader(t *testing.T) {
	f := NewAllowlistFilter("", "https://good.example.com")
	r := httptest.NewRequest(http.MethodGet, "http://good.example.com/", nil)
	r.Host = "good.example.com"
	if !checkHostFilter(f, r) {
		t.Fatalf("requests without an Origin header (non-browser clients) should pass")
	}
}
