package httpmiddleware

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

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	// RPS is the sustained request rate per client.
	RPS float64
	// Burst is the bucket size.
	Burst int
	// IdleTTL evicts buckets unused for this long. Defaults to 10m.
	IdleTTL time.Duration
	// KeyFunc identifies the client. Defaults to the client IP.
	KeyFunc func(*http.Request) string
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type limiterSet struct {
	cfg     RateLimitConfig
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiterSet(cfg RateLimitConfig) *limiterSet {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &limiterSet{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(s.cfg.RPS), s.cfg.Burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

func (s *limiterSet) evictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) >= s.cfg.IdleTTL {
			delete(s.buckets, key)
			n++
		}
	}
	return n
}

func (s *limiterSet) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle(s.now())
		}
	}
}

// RateLimit limits requests per client with a token bucket. Rejected
// requests get 429 with Retry-After. Idle buckets are evicted in the
// background until ctx is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	s := newLimiterSet(cfg)
	go s.sweep(ctx)
	return s.middleware
}

func (s *limiterSet) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := s.now()
		lim := s.get(s.cfg.KeyFunc(r), now)
		allowed := lim.AllowN(now, 1)

		remaining := int(math.Max(0, math.Floor(lim.TokensAt(now))))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.cfg.Burst))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter(lim.TokensAt(now), s.cfg.RPS)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter returns whole seconds until one token is available.
func retryAfter(tokens, rps float64) int {
	if rps <= 0 {
		return 60
	}
	wait := (1 - tokens) / rps
	return int(math.Max(1, math.Ceil(wait)))
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
