// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultKeyPrefix namespaces rate limit counters in Redis.
const DefaultKeyPrefix = "patternforge:ratelimit"

// fixedWindow increments the counter and starts its expiry on first use.
var fixedWindow = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter provides configurable rate limiting for API endpoints
type RateLimiter struct {
	redis  redis.UniversalClient
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled                  bool                      `yaml:"enabled"`
	KeyPrefix                string                    `yaml:"key_prefix"`
	DefaultTier              string                    `yaml:"default_tier"`
	TierHeader               string                    `yaml:"tier_header"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Tiers                    map[string]TierLimits     `yaml:"tiers"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
}

// TierLimits defines rate limits per API tier
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Reason     string
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:                  true,
		KeyPrefix:                DefaultKeyPrefix,
		DefaultTier:              "basic",
		TierHeader:               "X-API-Tier",
		DefaultRequestsPerMinute: 600,
		Tiers:                    DefaultTiers(),
		Endpoints:                DefaultEndpointLimits(),
		IncludeHeaders:           true,
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient redis.UniversalClient, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = def.DefaultTier
	}
	if cfg.TierHeader == "" {
		cfg.TierHeader = def.TierHeader
	}
	if cfg.DefaultRequestsPerMinute == 0 {
		cfg.DefaultRequestsPerMinute = def.DefaultRequestsPerMinute
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

// DefaultTiers returns default tier configurations for API clients
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"free":       {RequestsPerMinute: 60},
		"basic":      {RequestsPerMinute: 600},
		"collector":  {RequestsPerMinute: 6000},
		"enterprise": {RequestsPerMinute: 30000},
	}
}

// DefaultEndpointLimits returns default endpoint-specific limits
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// Batch analysis holds the engine for the whole batch
		"POST:/api/v1/events/batch": {
			Path:           "/api/v1/events/batch",
			Method:         http.MethodPost,
			CostMultiplier: 5,
		},
		// Pattern registration
		"POST:/api/v1/patterns": {
			Path:              "/api/v1/patterns",
			Method:            http.MethodPost,
			RequestsPerMinute: 30,
			CostMultiplier:    1,
		},
		"POST:/api/v1/stats/false-positives": {
			Path:              "/api/v1/stats/false-positives",
			Method:            http.MethodPost,
			RequestsPerMinute: 60,
			CostMultiplier:    1,
		},
	}
}

// Check performs a rate limit check. Redis failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) (*RateLimitResult, error) {
	tierLimits := rl.getTierLimits(tier)
	endpointLimits := rl.getEndpointLimits(endpoint, method)
	effectiveLimits := rl.calculateEffectiveLimits(tierLimits, endpointLimits)

	redisKey := fmt.Sprintf("%s:%s:%s:%s:%s:minute", rl.config.KeyPrefix, tier, clientID, method, endpoint)
	now := rl.now()

	result, err := fixedWindow.Run(ctx, rl.redis, []string{redisKey}, 60000).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request",
			zap.String("client", clientID),
			zap.Error(err),
		)
		return &RateLimitResult{Allowed: true, Tier: tier, Limit: effectiveLimits.RequestsPerMinute}, nil
	}

	allowed := result <= effectiveLimits.RequestsPerMinute
	remaining := effectiveLimits.RequestsPerMinute - result
	if remaining < 0 {
		remaining = 0
	}

	ttl, err := rl.redis.PTTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}
	resetAt := now.Add(ttl)

	var retryAfter time.Duration
	var reason string
	if !allowed {
		retryAfter = ttl
		reason = "Rate limit exceeded"
		rl.logger.Debug("Rate limit exceeded",
			zap.String("client", clientID),
			zap.String("tier", tier),
			zap.String("endpoint", endpoint),
		)
	}

	return &RateLimitResult{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      effectiveLimits.RequestsPerMinute,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
		Tier:       tier,
		Reason:     reason,
	}, nil
}

func (rl *RateLimiter) getTierLimits(tier string) TierLimits {
	if limits, ok := rl.config.Tiers[tier]; ok {
		return limits
	}
	if limits, ok := rl.config.Tiers[rl.config.DefaultTier]; ok {
		return limits
	}
	return TierLimits{RequestsPerMinute: rl.config.DefaultRequestsPerMinute}
}

func (rl *RateLimiter) getEndpointLimits(endpoint, method string) *EndpointLimits {
	key := method + ":" + endpoint
	if limits, ok := rl.config.Endpoints[key]; ok {
		return &limits
	}
	return nil
}

func (rl *RateLimiter) calculateEffectiveLimits(tier TierLimits, endpoint *EndpointLimits) TierLimits {
	if endpoint == nil {
		return tier
	}
	effective := tier
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < tier.RequestsPerMinute {
		effective.RequestsPerMinute = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		effective.RequestsPerMinute /= endpoint.CostMultiplier
	}
	if effective.RequestsPerMinute < 1 {
		effective.RequestsPerMinute = 1
	}
	return effective
}

// TierFromHeader reads the tier from the configured header, falling back to
// the default tier.
func (rl *RateLimiter) TierFromHeader(r *http.Request) string {
	if tier := r.Header.Get(rl.config.TierHeader); tier != "" {
		return tier
	}
	return rl.config.DefaultTier
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware(getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	if getTier == nil {
		getTier = rl.TierFromHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			tier := getTier(r)
			var clientID string
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result, err := rl.Check(ctx, tier, clientID, r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":%q,"retry_after":%d}`,
					result.Reason, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP returns the first forwarded address, or the peer host.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
