package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ilyaizen/habistat/api/responses"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"github.com/ilyaizen/habistat/pkg/logger"
	"github.com/ilyaizen/habistat/pkg/metrics"
	"github.com/ilyaizen/habistat/pkg/ratelimit"
)

const (
	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRetryAfter    = "Retry-After"
)

type limiter interface {
	Allow(ctx context.Context, scope string, limit int64) (ratelimit.Decision, error)
}

// RateLimitPolicy defines the per-window budgets for the sync surface. A zero
// limit disables that scope.
type RateLimitPolicy struct {
	Name      string
	IPLimit   int64
	UserLimit int64
}

func (p RateLimitPolicy) enabled() bool {
	return p.IPLimit > 0 || p.UserLimit > 0
}

func (p RateLimitPolicy) normalizedName() string {
	name := strings.ToLower(strings.TrimSpace(p.Name))
	if name == "" {
		return "sync"
	}
	return name
}

// RateLimit enforces per-IP and per-account counters. Mount it after Auth so
// the account scope is available.
func RateLimit(policy RateLimitPolicy, lim limiter, m *metrics.SyncMetrics, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || lim == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			name := policy.normalizedName()

			checks := make([]rateCheck, 0, 2)
			if policy.IPLimit > 0 {
				if ip := clientIP(r); ip != "" {
					checks = append(checks, rateCheck{scope: "ip", value: ip, limit: policy.IPLimit})
				}
			}
			if policy.UserLimit > 0 {
				if uid := UserIDFromContext(ctx); uid != "" {
					checks = append(checks, rateCheck{scope: "user", value: uid, limit: policy.UserLimit})
				}
			}

			for _, check := range checks {
				decision, err := lim.Allow(ctx, name+":"+check.scope+":"+check.value, check.limit)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				writeRateHeaders(w, decision)
				if !decision.Allowed {
					m.IncRateLimited(check.scope)
					respondRateLimited(ctx, logg, w, name, check, decision)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

type rateCheck struct {
	scope string
	value string
	limit int64
}

func writeRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set(headerRateLimit, strconv.FormatInt(d.Limit, 10))
	w.Header().Set(headerRateRemaining, strconv.FormatInt(d.Remaining, 10))
}

func respondRateLimited(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy string, check rateCheck, d ratelimit.Decision) {
	retry := d.RetryAfter(time.Now())
	w.Header().Set(headerRetryAfter, strconv.Itoa(int(retry/time.Second)))
	if logg != nil {
		fields := map[string]any{
			"scope":               check.scope,
			"policy":              policy,
			"attempts":            d.Count,
			"limit":               check.limit,
			"retry_after_seconds": int(retry / time.Second),
		}
		if check.scope == "ip" {
			fields["ip"] = check.value
		}
		logg.Warn(logg.WithFields(ctx, fields), "rate_limit.blocked")
	}
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
