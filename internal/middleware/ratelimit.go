package middleware

import (
	"math"
	"strconv"

	apierrors "github.com/aimerfeng/taskhub/internal/errors"
	"github.com/aimerfeng/taskhub/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RateLimit limits the authenticated user's requests within a scope. Must run
// after JWTAuth. A limiter error lets the request through.
func RateLimit(limiter ratelimit.Limiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.Allow(c.Request.Context(), scope, c.GetString(ContextKeyUserID))
		if err != nil {
			log.Warn().Err(err).Str("scope", scope).Msg("Rate limit check failed")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		if !result.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
			RespondWithError(c, apierrors.ErrRateLimitedError)
			c.Abort()
			return
		}
		c.Next()
	}
}
