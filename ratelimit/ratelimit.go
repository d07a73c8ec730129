package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"beaconchain-indexer/metrics"

	"golang.org/x/time/rate"
)

const (
	HeaderRateLimitLimit = "X-RateLimit-Limit" // the rate limit ceiling that is applicable for the current request
	HeaderRateLimitReset = "X-RateLimit-Reset" // the number of seconds until the quota resets
	HeaderRetryAfter     = "Retry-After"       // same as HeaderRateLimitReset, RFC 7231, 7.1.3
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits the requests per second of every client ip
type RateLimiter struct {
	clients           map[string]*client
	mu                sync.Mutex
	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a rate limiter. Clients that have not been seen for 3 minutes are
// forgotten until ctx is cancelled.
func NewRateLimiter(ctx context.Context, requestsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	rl := &RateLimiter{
		clients:           make(map[string]*client),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.forget(3 * time.Minute)
			}
		}
	}()
	return rl
}

func (rl *RateLimiter) forget(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, c := range rl.clients {
		if time.Since(c.lastSeen) > idle {
			delete(rl.clients, ip)
		}
	}
}

// Allow reports whether a request of the given ip may proceed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, found := rl.clients[ip]
	if !found {
		c = &client{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// HttpMiddleware implements mux.MiddlewareFunc and answers requests over the limit with 429
func (rl *RateLimiter) HttpMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(getIP(r)) {
			metrics.HttpRequestsRateLimited.Inc()
			w.Header().Set(HeaderRateLimitLimit, strconv.FormatFloat(rl.requestsPerSecond, 'f', -1, 64))
			w.Header().Set(HeaderRateLimitReset, "1")
			w.Header().Set(HeaderRetryAfter, "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getIP returns the ip address from the http request
func getIP(r *http.Request) string {
	ips := r.Header.Get("CF-Connecting-IP")
	if ips == "" {
		ips = r.Header.Get("X-Forwarded-For")
	}
	splitIps := strings.Split(ips, ",")

	if len(splitIps) > 0 {
		// get last IP in list since ELB prepends other user defined IPs, meaning the last one is the actual client IP.
		netIP := net.ParseIP(strings.TrimSpace(splitIps[len(splitIps)-1]))
		if netIP != nil {
			return netIP.String()
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "INVALID"
	}

	netIP := net.ParseIP(ip)
	if netIP != nil {
		ip := netIP.String()
		if ip == "::1" {
			return "127.0.0.1"
		}
		return ip
	}

	return "INVALID"
}
