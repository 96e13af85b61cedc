package util

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"172.16.0.0/12", " 192.168.50.2 "})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	cases := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		trusted *TrustedProxies
		want    string
	}{
		{
			name:   "untrusted peer ignores headers",
			remote: "198.51.100.10:4411",
			xff:    "203.0.113.5",
			realIP: "203.0.113.6",
			want:   "198.51.100.10",
		},
		{
			name:    "trusted peer honours forwarded-for",
			remote:  "172.20.1.1:4411",
			xff:     "203.0.113.5",
			trusted: trusted,
			want:    "203.0.113.5",
		},
		{
			name:    "skips trusted hops from the right",
			remote:  "192.168.50.2:4411",
			xff:     "203.0.113.9, 203.0.113.5, 172.16.0.7",
			trusted: trusted,
			want:    "203.0.113.5",
		},
		{
			name:    "garbage forwarded-for falls back to real ip",
			remote:  "172.16.0.1:4411",
			xff:     "not-an-ip",
			realIP:  "203.0.113.7",
			trusted: trusted,
			want:    "203.0.113.7",
		},
		{
			name:    "fully trusted chain yields leftmost hop",
			remote:  "172.16.0.1:4411",
			xff:     "172.16.0.5, 172.16.0.6",
			trusted: trusted,
			want:    "172.16.0.5",
		},
		{
			name:   "ipv6 peer",
			remote: "[2001:db8::1]:4411",
			want:   "2001:db8::1",
		},
		{
			name:   "unparseable remote addr is returned verbatim",
			remote: "pipe",
			want:   "pipe",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/posts/like", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{"10.1.2.3/8", "::ffff:192.0.2.4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !proxies.Contains(netip.MustParseAddr("10.200.0.1")) {
		t.Fatal("expected masked prefix to cover 10.200.0.1")
	}
	if !proxies.Contains(netip.MustParseAddr("192.0.2.4")) {
		t.Fatal("expected mapped address to match its ipv4 form")
	}

	empty, err := NewTrustedProxies([]string{"", "  "})
	if err != nil || empty != nil {
		t.Fatalf("expected nil set for blank entries, got %v, %v", empty, err)
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Fatal("expected error for bad prefix")
	}
	if _, err := NewTrustedProxies([]string{"proxy.internal"}); err == nil {
		t.Fatal("expected error for hostname entry")
	}
}
