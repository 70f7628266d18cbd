package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/microcredit_relay/internal/errors"
	"github.com/R3E-Network/microcredit_relay/internal/httputil"
	"github.com/R3E-Network/microcredit_relay/internal/logging"
)

// Limiter decides whether a client key may make another request
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter keeps one token bucket per key in process memory
type LocalLimiter struct {
	limiters map[string]*localEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter creates a limiter allowing requestsPerSecond with burst
func NewLocalLimiter(requestsPerSecond float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*localEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Allow implements Limiter
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &localEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow(), nil
}

// Cleanup drops buckets idle for longer than maxIdle
func (l *LocalLimiter) Cleanup(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

// RedisLimiter is a fixed-window counter shared by all relay replicas
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisLimiter allows limit requests per window per key
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "microcredit_relay:ratelimit:",
		limit:  int64(limit),
		window: window,
	}
}

// Allow implements Limiter
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().UnixNano() / int64(l.window)
	k := l.prefix + key + ":" + strconv.FormatInt(bucket, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// RateLimiter is the HTTP middleware over a Limiter
type RateLimiter struct {
	limiter Limiter
	limit   int
	window  string
	proxies TrustedProxies
	logger  *logging.Logger
}

// NewRateLimiter wraps limiter; limit and window are only used in the 429 message
func NewRateLimiter(limiter Limiter, limit int, window string, logger *logging.Logger) *RateLimiter {
	return &RateLimiter{
		limiter: limiter,
		limit:   limit,
		window:  window,
		logger:  logger,
	}
}

// TrustProxies makes the limiter key on X-Forwarded-For when the request
// arrives from one of proxies.
func (rl *RateLimiter) TrustProxies(proxies TrustedProxies) *RateLimiter {
	rl.proxies = proxies
	return rl
}

// Handler returns the rate limiting middleware handler. Limiter backend
// errors let the request through.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.proxies.ClientIP(r)

		allowed, err := rl.limiter.Allow(r.Context(), key)
		if err != nil {
			rl.logger.Warn(r.Context(), "rate limiter unavailable", map[string]interface{}{
				"error": err.Error(),
			})
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			})
			w.Header().Set("Retry-After", "1")
			httputil.WriteError(w, errors.RateLimitExceeded(rl.limit, rl.window))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// TrustedProxies is the set of reverse proxies allowed to set
// X-Forwarded-For.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies accepts bare IPs and CIDR blocks.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(entries))
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q: not an IP or CIDR", entry)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, block, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		out = append(out, block)
	}
	return out, nil
}

// Contains reports whether ip is a trusted proxy.
func (t TrustedProxies) Contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, block := range t {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the connection's remote host. When that host is a trusted
// proxy, X-Forwarded-For is walked from the right and the first untrusted
// hop is returned.
func (t TrustedProxies) ClientIP(r *http.Request) string {
	client := remoteHost(r)
	if len(t) == 0 || !t.Contains(net.ParseIP(client)) {
		return client
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		ip := net.ParseIP(hop)
		if ip == nil {
			// Unparseable hops cannot be attributed; stop at the last trusted one.
			return client
		}
		client = ip.String()
		if !t.Contains(ip) {
			return client
		}
	}
	return client
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
