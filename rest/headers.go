package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerReset      = "X-RateLimit-Reset"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerBucket     = "X-RateLimit-Bucket"
	headerGlobal     = "X-RateLimit-Global"
	headerScope      = "X-RateLimit-Scope"
	headerRetryAfter = "Retry-After"
)

// RateLimitHeader is the parsed set of rate-limit headers on a response.
type RateLimitHeader struct {
	Limit      int
	Remaining  int
	Reset      float64
	ResetAfter float64
	Bucket     string
	Global     bool
	Scope      string
}

// ResetIn converts the header pair into a duration from now, preferring the
// relative Reset-After value over the epoch Reset.
func (h RateLimitHeader) ResetIn() time.Duration {
	if h.ResetAfter > 0 {
		return secondsToDuration(h.ResetAfter)
	}
	if h.Reset > 0 {
		return time.Until(time.UnixMilli(int64(h.Reset * 1000)))
	}
	return 0
}

// ParseRateLimitHeader reads the rate-limit headers of a response. Header
// lookup is case-insensitive by way of net/http canonicalization. ok is
// false when the response carries no rate-limit information at all.
func ParseRateLimitHeader(h http.Header) (parsed RateLimitHeader, ok bool) {
	limit := h.Get(headerLimit)
	bucket := h.Get(headerBucket)
	resetAfter := h.Get(headerResetAfter)
	if limit == "" && bucket == "" && resetAfter == "" {
		return RateLimitHeader{}, false
	}

	parsed.Limit, _ = strconv.Atoi(limit)
	parsed.Remaining, _ = strconv.Atoi(h.Get(headerRemaining))
	parsed.Reset, _ = strconv.ParseFloat(h.Get(headerReset), 64)
	parsed.ResetAfter, _ = strconv.ParseFloat(resetAfter, 64)
	parsed.Bucket = bucket
	parsed.Global, _ = strconv.ParseBool(h.Get(headerGlobal))
	parsed.Scope = h.Get(headerScope)
	return parsed, true
}

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// parseRetryAfter extracts the wait from a 429, preferring the JSON body's
// retry_after over the Retry-After header, and reports whether the lockout
// is global in scope.
func parseRetryAfter(h http.Header, body []byte) (retryAfter time.Duration, global bool) {
	global = h.Get(headerGlobal) == "true" || h.Get(headerScope) == "global"

	var parsed rateLimitBody
	if len(body) > 0 && sonic.Unmarshal(body, &parsed) == nil && parsed.RetryAfter > 0 {
		return secondsToDuration(parsed.RetryAfter), global || parsed.Global
	}
	if v := h.Get(headerRetryAfter); v != "" {
		if sec, err := strconv.ParseFloat(v, 64); err == nil {
			return secondsToDuration(sec), global
		}
	}
	return time.Second, global
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
