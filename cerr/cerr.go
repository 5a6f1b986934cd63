// Package cerr defines the error taxonomy shared by the REST and gateway
// engines. Every failure the library surfaces belongs to exactly one class;
// the class decides whether the operation is retried and how loudly it is
// logged.
package cerr

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Network covers transport-level connect and read failures.
	Network = errs.Class("network")
	// Timeout covers per-attempt timer expiry.
	Timeout = errs.Class("timeout")
	// RateLimit covers 429 responses and global lockouts.
	RateLimit = errs.Class("rate limit")
	// Server covers 5xx responses.
	Server = errs.Class("server")
	// Client covers 4xx responses other than 401/403/408/429.
	Client = errs.Class("client")
	// Authentication covers 401 responses and gateway close code 4004.
	Authentication = errs.Class("authentication")
	// Authorization covers 403 responses.
	Authorization = errs.Class("authorization")
	// Validation covers pre-send checks that reject a request locally.
	Validation = errs.Class("validation")
	// Cancelled covers caller cancellation and shutdown.
	Cancelled = errs.Class("cancelled")
	// CircuitOpen covers requests rejected by an open circuit breaker.
	CircuitOpen = errs.Class("circuit open")
	// Fatal covers terminal gateway close codes (4010-4014).
	Fatal = errs.Class("fatal")
	// ResourceExhausted covers the session start limit running out.
	ResourceExhausted = errs.Class("resource exhausted")
)

// Severity orders errors by operational impact.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Retryable reports whether the engine may transparently retry the operation
// that produced err. CircuitOpen is not retryable until the breaker resets,
// so it reports false here.
func Retryable(err error) bool {
	switch {
	case Network.Has(err), Timeout.Has(err), RateLimit.Has(err), Server.Has(err):
		return true
	default:
		return false
	}
}

// SeverityOf maps an error to its severity. Unclassified errors are treated
// as high severity.
func SeverityOf(err error) Severity {
	switch {
	case Validation.Has(err), Cancelled.Has(err):
		return SeverityLow
	case Timeout.Has(err), RateLimit.Has(err), Client.Has(err):
		return SeverityMedium
	case Fatal.Has(err):
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

// KindOf returns a short stable name for the error's class, for logging and
// metrics labels.
func KindOf(err error) string {
	switch {
	case Network.Has(err):
		return "network"
	case Timeout.Has(err):
		return "timeout"
	case RateLimit.Has(err):
		return "rate_limit"
	case Server.Has(err):
		return "server"
	case Authentication.Has(err):
		return "authentication"
	case Authorization.Has(err):
		return "authorization"
	case Client.Has(err):
		return "client"
	case Validation.Has(err):
		return "validation"
	case Cancelled.Has(err):
		return "cancelled"
	case CircuitOpen.Has(err):
		return "circuit_open"
	case Fatal.Has(err):
		return "fatal"
	case ResourceExhausted.Has(err):
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// APIError is the decoded body of a non-2xx REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Status)
	}
	return e.Message
}

// RateLimitedError carries the pacing information of a 429 response.
type RateLimitedError struct {
	RetryAfter time.Duration
	Global     bool
	Scope      string
}

func (e *RateLimitedError) Error() string {
	if e.Global {
		return "globally rate limited for " + e.RetryAfter.String()
	}
	return "rate limited for " + e.RetryAfter.String()
}

// FromStatus classifies an HTTP response status into the taxonomy. The api
// value may be nil when the body could not be decoded.
func FromStatus(status int, api *APIError) error {
	if api == nil {
		api = &APIError{Status: status}
	} else {
		api.Status = status
	}
	switch {
	case status == http.StatusUnauthorized:
		return Authentication.Wrap(api)
	case status == http.StatusForbidden:
		return Authorization.Wrap(api)
	case status == http.StatusTooManyRequests:
		return RateLimit.Wrap(api)
	case status == http.StatusRequestTimeout:
		return Timeout.Wrap(api)
	case status >= 500:
		return Server.Wrap(api)
	default:
		return Client.Wrap(api)
	}
}

// WrapTransport classifies a transport error from the HTTP client, keeping
// caller cancellation and deadline expiry distinct from genuine network
// failures.
func WrapTransport(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return Cancelled.Wrap(err)
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout.Wrap(err)
	default:
		return Network.Wrap(err)
	}
}
