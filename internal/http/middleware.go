package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/wolfeidau/ttsrunner/internal/telemetry"
)

type contextKey string

const (
	clientIPContextKey contextKey = "client_ip"
	ownerIDContextKey  contextKey = "owner_id"
)

// OwnerIDHeader carries the caller's identity. Authentication happens upstream; this
// service only records and filters by the value.
const OwnerIDHeader = "X-Owner-ID"

// AnonymousOwner is used when a request carries no owner header.
const AnonymousOwner = "anonymous"

const maxOwnerIDLength = 128

// ExtractClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For header first (for proxied requests), then X-Real-IP, finally RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// first hop is the original client
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ClientIPFromContext extracts the client IP from the request context.
// This should be called from handlers wrapped by ClientIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}

// ClientIPMiddleware stores the client IP in the request context for rate limiting and
// request logs.
func ClientIPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractClientIP(r)
			ctx := context.WithValue(r.Context(), clientIPContextKey, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerIDFromContext returns the owner stored by OwnerMiddleware, or AnonymousOwner.
func OwnerIDFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(ownerIDContextKey).(string); ok && owner != "" {
		return owner
	}
	return AnonymousOwner
}

// OwnerMiddleware reads the owner header into the request context. Values that are too
// long or contain control characters fall back to AnonymousOwner.
func OwnerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := strings.TrimSpace(r.Header.Get(OwnerIDHeader))
			if !validOwnerID(owner) {
				owner = AnonymousOwner
			}
			ctx := context.WithValue(r.Context(), ownerIDContextKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validOwnerID(owner string) bool {
	if owner == "" || len(owner) > maxOwnerIDLength {
		return false
	}
	for _, r := range owner {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// RateLimitConfig configures RateLimitMiddleware.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per client IP. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the number of requests allowed above the sustained rate.
	Burst int

	// IdleTTL is how long an idle client's limiter is kept. Default: 10 minutes
	IdleTTL time.Duration

	// OnLimited writes the response for a rejected request. Default: plain 429.
	OnLimited http.HandlerFunc
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	cfg RateLimitConfig

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RequestsPerSecond))
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}
	return &RateLimiter{
		cfg:       cfg,
		clients:   make(map[string]*clientLimiter),
		lastSweep: time.Now(),
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.cfg.RequestsPerSecond <= 0 {
		return true
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > rl.cfg.IdleTTL {
		rl.sweepLocked(now)
	}

	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now

	return c.limiter.AllowN(now, 1)
}

// sweepLocked drops limiters idle for longer than IdleTTL. Must be called with lock held.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.cfg.IdleTTL {
			delete(rl.clients, ip)
		}
	}
	rl.lastSweep = now
}

// Middleware rejects requests over the client's rate. It expects ClientIPMiddleware to
// run first and falls back to extracting the IP itself.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	metrics := telemetry.GetMetrics()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIPFromContext(r.Context())
			if ip == "" {
				ip = ExtractClientIP(r)
			}

			if !rl.Allow(ip) {
				metrics.RateLimitedTotal.Add(r.Context(), 1)
				log.Debug().Str("client_ip", ip).Str("path", r.URL.Path).Msg("Request rate limited")
				w.Header().Set("Retry-After", "1")
				rl.cfg.OnLimited(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
