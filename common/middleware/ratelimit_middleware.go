package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/madsci/workcell/common/clients"
	"github.com/madsci/workcell/common/ratelimit"
)

// ExtractUserID copies the X-User-ID header into the request context so
// handlers can stamp ownership and the rate limiter can key per submitter.
func ExtractUserID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if userID := c.Request().Header.Get("X-User-ID"); userID != "" {
				ctx := clients.WithUserID(c.Request().Context(), userID)
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	}
}

// Submitter returns the rate limit key for a request: the authenticated
// user when present, the client address otherwise.
func Submitter(c echo.Context) string {
	if userID, ok := clients.GetUserID(c.Request().Context()); ok {
		return userID
	}
	return c.RealIP()
}

// SubmissionRateLimit throttles workflow submissions with a service-wide
// limit and a per-submitter limit. A nil limiter disables throttling, and
// limiter errors fail open so Redis trouble never blocks submissions.
func SubmissionRateLimit(limiter *ratelimit.Limiter, globalLimit, submitterLimit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil {
				return next(c)
			}
			ctx := c.Request().Context()

			result, err := limiter.CheckGlobal(ctx, globalLimit)
			if err == nil && !result.Allowed {
				return tooManyRequests(c, "submission_rate_limit_exceeded",
					"The workcell is receiving too many submissions. Please try again later.", result)
			}

			result, err = limiter.CheckSubmitter(ctx, Submitter(c), submitterLimit, 60)
			if err == nil && !result.Allowed {
				return tooManyRequests(c, "submitter_rate_limit_exceeded",
					"You have exceeded your submission quota. Please wait before trying again.", result)
			}

			return next(c)
		}
	}
}

func tooManyRequests(c echo.Context, code, message string, result *ratelimit.Result) error {
	return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
		"error":   code,
		"message": message,
		"details": map[string]interface{}{
			"limit":               result.Limit,
			"current_count":       result.CurrentCount,
			"retry_after_seconds": result.RetryAfterSeconds,
		},
	})
}
