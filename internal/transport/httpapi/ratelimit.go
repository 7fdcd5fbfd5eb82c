package httpapi

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"voxelbench.ai/internal/metrics"
)

const rateLimitedJSON = `{"error":"rate limit exceeded","retry_after":%d}` + "\n"

// RateLimiter limits build requests per client IP.
type RateLimiter struct {
	inst           *limiter.Limiter
	trustForwarded bool
	metrics        *metrics.Metrics
	log            *log.Logger
}

// NewRateLimiter parses a limiter rate such as "300-M". trustForwarded
// keys clients by X-Forwarded-For, for deployments behind a proxy.
func NewRateLimiter(formatted string, trustForwarded bool, m *metrics.Metrics, logger *log.Logger) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("rate limit %q: %w", formatted, err)
	}
	return &RateLimiter{
		inst:           limiter.New(memory.NewStore(), rate),
		trustForwarded: trustForwarded,
		metrics:        m,
		log:            logger,
	}, nil
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		lctx, err := l.inst.Get(r.Context(), l.clientIP(r))
		if err != nil {
			// Fail open.
			if l.log != nil {
				l.log.Printf("rate limiter error: %v", err)
			}
			next.ServeHTTP(rw, r)
			return
		}

		h := rw.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			l.metrics.Limited()
			retryAfter := int(time.Until(time.Unix(lctx.Reset, 0)).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			h.Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprintf(rw, rateLimitedJSON, retryAfter)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (l *RateLimiter) clientIP(r *http.Request) string {
	if l.trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
