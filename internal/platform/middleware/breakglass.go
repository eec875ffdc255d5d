package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/platform/auth"
)

// BreakGlassHeader carries the reason for an emergency policy bypass.
const BreakGlassHeader = "X-Break-Glass"

type breakGlassContextKey string

const (
	breakGlassKey       breakGlassContextKey = "break_glass"
	breakGlassReasonKey breakGlassContextKey = "break_glass_reason"
)

// breakGlassRateLimit tracks per-operator request times within a rolling hour.
type breakGlassRateLimit struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func newBreakGlassRateLimit() *breakGlassRateLimit {
	return &breakGlassRateLimit{
		entries: make(map[string][]time.Time),
	}
}

// allow prunes entries older than an hour and records now if the operator
// is still under maxPerHour.
func (rl *breakGlassRateLimit) allow(operatorID string, now time.Time, maxPerHour int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-1 * time.Hour)
	existing := rl.entries[operatorID]
	pruned := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= maxPerHour {
		rl.entries[operatorID] = pruned
		return false
	}

	rl.entries[operatorID] = append(pruned, now)
	return true
}

func (rl *breakGlassRateLimit) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-1 * time.Hour)
	for operatorID, timestamps := range rl.entries {
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				pruned = append(pruned, ts)
			}
		}
		if len(pruned) == 0 {
			delete(rl.entries, operatorID)
		} else {
			rl.entries[operatorID] = pruned
		}
	}
}

const (
	breakGlassMaxPerHour    = 10
	breakGlassCleanupPeriod = 5 * time.Minute
)

func isDeidPath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/deid/")
}

// BreakGlass marks anonymize requests that carry X-Break-Glass as emergency
// bypass requests. It does not grant any role and does not decide whether a
// bypass is allowed; the policy manager checks the deployment switch and the
// engine records the flag in the audit trail.
//
// The reason is required, the operator must be authenticated, and each
// operator may break glass at most 10 times per hour. The middleware runs
// after authentication and until ctx is done.
func BreakGlass(ctx context.Context, logger zerolog.Logger) echo.MiddlewareFunc {
	rl := newBreakGlassRateLimit()

	go func() {
		ticker := time.NewTicker(breakGlassCleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.cleanup(now)
			}
		}
	}()

	return breakGlassMiddleware(logger, rl, time.Now)
}

func breakGlassMiddleware(logger zerolog.Logger, rl *breakGlassRateLimit, nowFn func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isDeidPath(req.URL.Path) {
				return next(c)
			}
			if _, present := req.Header[http.CanonicalHeaderKey(BreakGlassHeader)]; !present {
				return next(c)
			}

			reason := strings.TrimSpace(req.Header.Get(BreakGlassHeader))
			if reason == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "break-glass requires a reason")
			}

			ctx := req.Context()
			operatorID := auth.UserIDFromContext(ctx)
			if operatorID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "break-glass requires authentication")
			}

			now := nowFn()
			if !rl.allow(operatorID, now, breakGlassMaxPerHour) {
				return echo.NewHTTPError(http.StatusTooManyRequests,
					"break-glass rate limit exceeded: maximum 10 requests per operator per hour")
			}

			ctx = context.WithValue(ctx, breakGlassKey, true)
			ctx = context.WithValue(ctx, breakGlassReasonKey, reason)
			c.SetRequest(req.WithContext(ctx))

			logger.Warn().
				Str("type", "break_glass").
				Str("operator_id", operatorID).
				Str("break_glass_reason", reason).
				Str("path", req.URL.Path).
				Str("remote_ip", c.RealIP()).
				Time("timestamp", now).
				Msg("break_glass_requested")

			return next(c)
		}
	}
}

// IsBreakGlass reports whether the request asked for emergency bypass.
func IsBreakGlass(ctx context.Context) bool {
	v, _ := ctx.Value(breakGlassKey).(bool)
	return v
}

func BreakGlassReason(ctx context.Context) string {
	v, _ := ctx.Value(breakGlassReasonKey).(string)
	return v
}

// WithBreakGlass marks ctx as an emergency bypass request. The CLI uses it
// for --break-glass.
func WithBreakGlass(ctx context.Context, reason string) context.Context {
	ctx = context.WithValue(ctx, breakGlassKey, true)
	return context.WithValue(ctx, breakGlassReasonKey, reason)
}
