package middleware

import (
	"net"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"assistant-orchestrator/shared/httpx"
)

type RateLimitMiddleware struct {
	Limiter *IPRateLimiter
	Skip    func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := rateLimitClientIP(r)
		if key == "" {
			key = "unknown"
		}
		if !m.Limiter.Allow(key) {
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPRateLimiter keeps one token bucket per client. Least recently seen clients are evicted.
type IPRateLimiter struct {
	limit   rate.Limit
	burst   int
	clients *lru.Cache[string, *rate.Limiter]
}

func NewIPRateLimiter(rps float64, burst int, maxClients int) *IPRateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if maxClients <= 0 {
		maxClients = 10000
	}
	clients, _ := lru.New[string, *rate.Limiter](maxClients)
	return &IPRateLimiter{limit: rate.Limit(rps), burst: burst, clients: clients}
}

func (l *IPRateLimiter) Allow(key string) bool {
	limiter, ok := l.clients.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		// Another request may have raced us; keep whichever landed first.
		if prev, found, _ := l.clients.PeekOrAdd(key, limiter); found {
			limiter = prev
		}
	}
	return limiter.Allow()
}

func rateLimitClientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
