package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/davkit/internal/logger"
)

const (
	logSender  = "ratelimit"
	maxClients = 10000
)

// IPRateLimiter keeps a token bucket per client address. Idle buckets
// expire after the idle duration and the least recently seen client is
// dropped once maxClients is reached.
type IPRateLimiter struct {
	limiters       *expirable.LRU[string, *rate.Limiter]
	rate           rate.Limit
	burst          int
	trustedProxies []*net.IPNet
}

// NewIPRateLimiter returns a limiter allowing r requests per second with
// bursts of b. Forwarded addresses are honoured only from trustedProxies;
// an empty list trusts every peer.
func NewIPRateLimiter(r rate.Limit, b int, idle time.Duration, trustedProxies []string) *IPRateLimiter {
	return &IPRateLimiter{
		limiters:       expirable.NewLRU[string, *rate.Limiter](maxClients, nil, idle),
		rate:           r,
		burst:          b,
		trustedProxies: parseProxies(trustedProxies),
	}
}

func parseProxies(list []string) []*net.IPNet {
	var out []*net.IPNet
	for _, cidr := range list {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			ip := net.ParseIP(cidr)
			if ip == nil {
				logger.Warn(logSender, "ignoring invalid trusted proxy %q", cidr)
				continue
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		out = append(out, ipnet)
	}
	return out
}

func (l *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	if lim, ok := l.limiters.Get(ip); ok {
		return lim
	}
	lim := rate.NewLimiter(l.rate, l.burst)
	l.limiters.Add(ip, lim)
	return lim
}

// Middleware rejects clients over their budget with 429 and a Retry-After
// hint.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.getClientIP(r)
			res := l.getLimiter(ip).Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				logger.Debug(logSender, "rate limit exceeded for %s", ip)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *IPRateLimiter) trusted(ip net.IP) bool {
	if len(l.trustedProxies) == 0 {
		return true
	}
	for _, ipnet := range l.trustedProxies {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func (l *IPRateLimiter) getClientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == nil {
		return r.RemoteAddr
	}
	if !l.trusted(remoteIP) {
		return remoteIP.String()
	}
	// leftmost entry is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	if parsed := net.ParseIP(r.Header.Get("X-Real-IP")); parsed != nil {
		return parsed.String()
	}
	return remoteIP.String()
}

func parseIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
