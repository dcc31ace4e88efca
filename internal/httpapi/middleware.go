package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mohans/researchq/internal/logging"
)

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		log := logging.WithTrace(c.Request.Context(), s.logger)
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
			"client", c.ClientIP(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request", attrs...)
		case status >= http.StatusBadRequest:
			log.Warn("request", attrs...)
		default:
			log.Debug("request", attrs...)
		}
	}
}

func (s *Server) apiKeyAuth() gin.HandlerFunc {
	if !s.opts.RequireAPIKey {
		return func(c *gin.Context) { c.Next() }
	}
	keys := make([][]byte, 0, len(s.opts.APIKeys))
	for _, k := range s.opts.APIKeys {
		keys = append(keys, []byte(k))
	}
	return func(c *gin.Context) {
		got := strings.TrimSpace(c.GetHeader(s.opts.APIKeyHeader))
		if got == "" {
			// Browsers cannot set headers on websocket handshakes.
			got = c.Query("api_key")
		}
		if got == "" {
			abortError(c, http.StatusUnauthorized, "MISSING_API_KEY", "missing "+s.opts.APIKeyHeader+" header")
			return
		}
		for _, k := range keys {
			if subtle.ConstantTimeCompare([]byte(got), k) == 1 {
				c.Set(clientKey, "key:"+logging.Redact(got))
				c.Next()
				return
			}
		}
		abortError(c, http.StatusUnauthorized, "INVALID_API_KEY", "invalid API key")
	}
}

const clientKey = "researchq.client"

func (s *Server) rateLimit() gin.HandlerFunc {
	if s.opts.RateLimit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newRateLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst)
	return func(c *gin.Context) {
		key := c.GetString(clientKey)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !limiter.allow(key) {
			abortError(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client and forgets idle clients.
type rateLimiter struct {
	mu              sync.Mutex
	limit           rate.Limit
	burst           int
	entries         map[string]*rateLimitEntry
	entryTTL        time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
}

func newRateLimiter(limit rate.Limit, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limit:           limit,
		burst:           burst,
		entries:         make(map[string]*rateLimitEntry),
		entryTTL:        15 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

func (r *rateLimiter) allow(key string) bool {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastCleanup) >= r.cleanupInterval {
		for k, entry := range r.entries {
			if now.Sub(entry.lastSeen) > r.entryTTL {
				delete(r.entries, k)
			}
		}
		r.lastCleanup = now
	}

	entry, ok := r.entries[key]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
