// middleware.go: shared-secret auth on writes, CORS, and per-IP
// token-bucket rate limiting with continuous refill.
package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// auth requires X-Dashboard-Key on mutating methods when a secret is set.
// GET/HEAD/OPTIONS stay open; an empty secret opens the write API (dev mode).
func (h *Handlers) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if h.cfg.Secret != "" && r.Header.Get("X-Dashboard-Key") != h.cfg.Secret {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors answers preflights and stamps allowed origins from config. An empty
// allow-list echoes any origin (dev mode).
func (h *Handlers) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Dashboard-Key")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) originAllowed(origin string) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// rateLimit enforces 60 req/min per IP across the API and a tighter
// 10/min bucket for group mode changes.
func (h *Handlers) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !h.limits.general.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if isModeChange(r) && !h.limits.mode.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many mode changes")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isModeChange(r *http.Request) bool {
	return r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/mode")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limiterSet groups the per-IP buckets by request category.
type limiterSet struct {
	general *ipBuckets
	mode    *ipBuckets
}

func newLimiterSet() *limiterSet {
	return &limiterSet{
		general: newIPBuckets(60, 1.0),       // 60 burst, refills 60/min
		mode:    newIPBuckets(10, 10.0/60.0), // 10 burst, refills 10/min
	}
}

// ipBuckets is a lazily-populated token bucket per client IP with
// continuous refill. Idle entries are evicted opportunistically.
type ipBuckets struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	buckets  map[string]*bucket
	sweepAt  time.Time
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

func newIPBuckets(capacity, ratePerSecond float64) *ipBuckets {
	return &ipBuckets{
		capacity: capacity,
		rate:     ratePerSecond,
		buckets:  make(map[string]*bucket),
		sweepAt:  time.Now().Add(10 * time.Minute),
	}
}

// allow takes one token for the IP if available.
func (b *ipBuckets) allow(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.After(b.sweepAt) {
		b.sweep(now)
	}

	bk, ok := b.buckets[ip]
	if !ok {
		bk = &bucket{tokens: b.capacity, lastTime: now}
		b.buckets[ip] = bk
	}

	bk.tokens += now.Sub(bk.lastTime).Seconds() * b.rate
	if bk.tokens > b.capacity {
		bk.tokens = b.capacity
	}
	bk.lastTime = now

	if bk.tokens < 1 {
		return false
	}
	bk.tokens--
	return true
}

// sweep drops buckets that have fully refilled (no recent traffic).
func (b *ipBuckets) sweep(now time.Time) {
	for ip, bk := range b.buckets {
		idle := now.Sub(bk.lastTime).Seconds()
		if bk.tokens+idle*b.rate >= b.capacity {
			delete(b.buckets, ip)
		}
	}
	b.sweepAt = now.Add(10 * time.Minute)
}
