package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestMiddlewareLimitsPerClient(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 2, time.Minute, nil)
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := send("192.0.2.1:1234"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rr.Code)
		}
	}
	rr := send("192.0.2.1:1234")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if rr := send("192.0.2.2:1234"); rr.Code != http.StatusOK {
		t.Fatalf("other client limited: %d", rr.Code)
	}
}

func TestClientIPHonoursTrustedProxies(t *testing.T) {
	tests := []struct {
		name    string
		proxies []string
		remote  string
		xff     string
		realIP  string
		want    string
	}{
		{"no proxies trusts forwarded", nil, "10.0.0.1:80", "203.0.113.5, 10.0.0.1", "", "203.0.113.5"},
		{"trusted cidr", []string{"10.0.0.0/8"}, "10.1.2.3:80", "203.0.113.5", "", "203.0.113.5"},
		{"trusted single ip", []string{"10.0.0.1"}, "10.0.0.1:80", "", "198.51.100.7", "198.51.100.7"},
		{"untrusted peer", []string{"10.0.0.0/8"}, "192.0.2.9:80", "203.0.113.5", "", "192.0.2.9"},
		{"bad forwarded value", nil, "192.0.2.9:80", "garbage", "", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewIPRateLimiter(rate.Limit(1), 1, time.Minute, tt.proxies)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := l.getClientIP(req); got != tt.want {
				t.Fatalf("client ip = %q, want %q", got, tt.want)
			}
		})
	}
}
