package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	clientIdleTTL = 10 * time.Minute
	sweepEvery    = time.Minute
)

// RateLimitMiddleware applies a token bucket per client IP. Paths in
// skipPaths are never limited. X-Forwarded-For is only honored when
// trustProxy is set. Rejections carry Retry-After.
func RateLimitMiddleware(rps float64, burst int, trustProxy bool, skipPaths []string) Middleware {
	clients := newClientLimiters(rate.Limit(rps), burst, time.Now)
	skip := pathSet(skipPaths)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !skip[r.URL.Path] {
				if wait, ok := clients.allow(clientIP(r, trustProxy)); !ok {
					httpRateLimited.Inc()
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
					WriteProblem(w, r, http.StatusTooManyRequests, "rate limit exceeded")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientLimiters holds one limiter per client and forgets clients idle for
// longer than clientIdleTTL.
type clientLimiters struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	now       func() time.Time
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

type clientLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(limit rate.Limit, burst int, now func() time.Time) *clientLimiters {
	return &clientLimiters{
		limit:     limit,
		burst:     burst,
		now:       now,
		clients:   make(map[string]*clientLimiter),
		lastSweep: now(),
	}
}

// allow consumes a token for ip. When none is available it reports how long
// until one will be.
func (c *clientLimiters) allow(ip string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) >= sweepEvery {
		for k, cl := range c.clients {
			if now.Sub(cl.lastSeen) > clientIdleTTL {
				delete(c.clients, k)
			}
		}
		c.lastSweep = now
	}

	cl, ok := c.clients[ip]
	if !ok {
		cl = &clientLimiter{Limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[ip] = cl
	}
	cl.lastSeen = now

	res := cl.ReserveN(now, 1)
	if !res.OK() {
		return sweepEvery, false
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay, false
	}
	return 0, true
}

func (c *clientLimiters) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// clientIP extracts the client address used as the rate limit key.
func clientIP(r *http.Request, trustProxy bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); trustProxy && xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func pathSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}
