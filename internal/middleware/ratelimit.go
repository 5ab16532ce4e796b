package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/pkg/response"
)

type RateLimiter struct {
	redis  redis.UniversalClient
	logger log.Logger
}

func NewRateLimiter(redisClient redis.UniversalClient, logger log.Logger) *RateLimiter {
	if logger == nil {
		logger = log.Noop
	}
	return &RateLimiter{
		redis:  redisClient,
		logger: logger.WithValues(log.Kv{"svc": "middleware.RateLimiter"}),
	}
}

// Limit creates a fixed-window rate limiting middleware. Requests are counted
// per authenticated user, or per client IP when auth is disabled.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if maxRequests <= 0 {
			return c.Next()
		}

		subject := GetUserID(c)
		if subject == "" {
			subject = "ip:" + c.IP()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, subject)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// Fail open when Redis is unavailable.
			rl.logger.Warningf("Rate limit check failed: %v", err)
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))

		return c.Next()
	}
}

// SubmitLimit limits batch submissions per hour.
func (rl *RateLimiter) SubmitLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("submit", maxPerHour, time.Hour)
}
