package relayserver

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies per-source-address rate limiting across every
// REST endpoint (§4.8: "60 requests/minute per source address").
// Grounded on the teacher's internal/relay.RateLimiter.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*addrLimiter
	rate     rate.Limit
	burst    int
}

type addrLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing reqPerMinute sustained
// requests per address, with burst as the max instantaneous burst.
func NewRateLimiter(reqPerMinute float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*addrLimiter),
		rate:     rate.Limit(reqPerMinute / 60),
		burst:    burst,
	}
}

func (rl *RateLimiter) getLimiter(addr string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[addr]
	if !ok {
		l = &addrLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[addr] = l
	}
	l.lastSeen = time.Now()
	return l.lim
}

// Allow reports whether a request from addr is within the limit.
func (rl *RateLimiter) Allow(addr string) bool {
	return rl.getLimiter(addr).Allow()
}

// Evict drops limiters untouched for longer than idle, bounding the
// map's size under long-lived processes.
func (rl *RateLimiter) Evict(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for addr, l := range rl.limiters {
		if now.Sub(l.lastSeen) > idle {
			delete(rl.limiters, addr)
		}
	}
}

// Middleware wraps an http.Handler, rejecting over-limit requests with
// 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		if !rl.Allow(addr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
