package httpconn

import (
	"net/http"
	"strings"
)

// HostFilter is the host/origin access-control collaborator: a
// pre-admission check the HTTP and WS-upgrade paths both run before any
// JSON-RPC framing begins. VerifyHost and VerifyOrigin each receive the
// request's raw header value (possibly empty) and report whether it is
// acceptable.
type HostFilter interface {
	VerifyHost(host string) bool
	VerifyOrigin(origin string) bool
}

// AllowlistFilter accepts only hosts/origins present in its configured
// sets, or everything when a set is empty (the common "not configured"
// case for local development and trusted-network deployments).
type AllowlistFilter struct {
	hosts   map[string]struct{}
	origins map[string]struct{}
}

// NewAllowlistFilter builds a filter from comma-separated host/origin
// lists. An empty list disables that check (allows everything).
func NewAllowlistFilter(hostsCSV, originsCSV string) *AllowlistFilter {
	return &AllowlistFilter{
		hosts:   toSet(hostsCSV),
		origins: toSet(originsCSV),
	}
}

func toSet(csv string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, v := range strings.Split(csv, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out[strings.ToLower(v)] = struct{}{}
		}
	}
	return out
}

func (f *AllowlistFilter) VerifyHost(host string) bool {
	if len(f.hosts) == 0 {
		return true
	}
	_, ok := f.hosts[strings.ToLower(stripPort(host))]
	return ok
}

func (f *AllowlistFilter) VerifyOrigin(origin string) bool {
	if len(f.origins) == 0 {
		return true
	}
	_, ok := f.origins[strings.ToLower(origin)]
	return ok
}

func stripPort(hostport string) string {
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 && !strings.Contains(hostport[idx:], "]") {
		return hostport[:idx]
	}
	return hostport
}

// checkHostFilter reports whether r passes f's host and origin checks.
// A nil filter always passes, matching the "not configured" default.
func checkHostFilter(f HostFilter, r *http.Request) bool {
	if f == nil {
		return true
	}
	if !f.VerifyHost(r.Host) {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin != "" && !f.VerifyOrigin(origin) {
		return false
	}
	return true
}
