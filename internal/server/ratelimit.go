// ratelimit.go - Token-bucket rate limiter middleware by client IP.
//
// Complements proxy-side limits. The API as a whole gets one limiter and the
// register/login routes a stricter one.
package server

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter allows perSecond requests per second per IP with the given
// burst. Visitors idle for ten minutes are forgotten.
func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
	}

	go rl.cleanup()

	return rl
}

// middleware returns an HTTP middleware that enforces rate limits
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lim := rl.get(getClientIP(r), time.Now())
		if !lim.Allow() {
			retry := math.Ceil(1 / math.Max(float64(rl.limit), 0.001))
			w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
			writeError(w, r, newAPIError(http.StatusTooManyRequests, "rate limit exceeded, please try again later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow reports whether a request from ip may proceed now.
func (rl *rateLimiter) allow(ip string) bool {
	return rl.get(ip, time.Now()).Allow()
}

func (rl *rateLimiter) get(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// sweep drops visitors not seen since before now-idle.
func (rl *rateLimiter) sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, ip)
			removed++
		}
	}
	return removed
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for now := range ticker.C {
		rl.sweep(now)
	}
}

// clientIPMiddleware resolves the caller's address once per request. Without
// a trusted proxy in front only RemoteAddr counts; behind one, the last
// X-Forwarded-For hop (the one the proxy appended) or X-Real-IP is used.
func clientIPMiddleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, trustProxy)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey, ip)))
		})
	}
}

func resolveClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			hops := strings.Split(xff, ",")
			if last := strings.TrimSpace(hops[len(hops)-1]); last != "" {
				return last
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// getClientIP returns the address resolved by clientIPMiddleware, or the
// peer address when the middleware did not run.
func getClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok {
		return ip
	}
	return resolveClientIP(r, false)
}
