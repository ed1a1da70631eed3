package middleware

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/clipvote/api/internal/ratelimit"
	"github.com/clipvote/api/internal/telemetry"
	"github.com/clipvote/api/pkg/response"
)

// Rule is one fixed-window budget for an action.
type Rule struct {
	Bucket string
	Max    int
	Window time.Duration
}

// PerMinute and PerHour build rules named bucket/min and bucket/hour.
func PerMinute(action string, max int) Rule {
	return Rule{Bucket: action + "/min", Max: max, Window: time.Minute}
}

func PerHour(action string, max int) Rule {
	return Rule{Bucket: action + "/hour", Max: max, Window: time.Hour}
}

type RateLimiter struct {
	limiter ratelimit.Limiter
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func NewRateLimiter(limiter ratelimit.Limiter, metrics *telemetry.Metrics) *RateLimiter {
	return &RateLimiter{
		limiter: limiter,
		metrics: metrics,
		logger:  slog.Default().With("component", "ratelimit"),
	}
}

// Limit creates a rate limiting middleware enforcing every rule in order.
// Rules with a non-positive Max are disabled.
func (rl *RateLimiter) Limit(rules ...Rule) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" {
			return c.Next() // Skip rate limiting if no user (auth middleware should catch this)
		}

		for _, rule := range rules {
			if rule.Max <= 0 {
				continue
			}
			ok, err := rl.limiter.Consume(c.UserContext(), userID, rule.Bucket, rule.Max, rule.Window)
			if err != nil {
				// If the backend fails, allow the request but log the error
				rl.logger.Error("rate limiter unavailable", "bucket", rule.Bucket, "error", err)
				continue
			}
			if !ok {
				rl.metrics.RateLimited(c.UserContext(), rule.Bucket)
				c.Set("Retry-After", fmt.Sprintf("%d", int(rule.Window.Seconds())))
				return response.RateLimited(c)
			}
			c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", rule.Max))
		}
		return c.Next()
	}
}
