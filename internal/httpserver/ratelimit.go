package httpserver

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long an IP's bucket survives without traffic.
const limiterIdle = 10 * time.Minute

type ipEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipLimiter is a token bucket per client IP for mutating actions.
// A zero rate disables it.
type ipLimiter struct {
	mu      sync.Mutex
	r       rate.Limit
	burst   int
	entries map[string]*ipEntry
	calls   int
	now     func() time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		r:       rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*ipEntry),
		now:     time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	if l == nil || l.r <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%1024 == 0 {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(l.entries, k)
			}
		}
	}
	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(l.r, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// middleware rejects over-limit requests with 429.
func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "too many actions"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP uses RemoteAddr, which chi's RealIP has already rewritten.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
