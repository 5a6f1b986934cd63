package rest

import (
	"net/http"
	"time"
)

const (
	defaultAPIVersion = "10"
	defaultBaseURL    = "https://discord.com/api"
)

// Options configures the REST engine. The struct is copied at construction
// and never read again from the caller, so mutating it after New has no
// effect.
type Options struct {
	// Token authenticates requests as "Bot <token>".
	Token string

	// UserAgent identifies the client. Required: requests without a user
	// agent are rejected before they are sent.
	UserAgent string

	APIVersion string
	BaseURL    string

	// Timeout bounds a single attempt, not the whole request lifecycle.
	Timeout time.Duration

	Retry   RetryOptions
	Circuit CircuitOptions

	// GlobalRequestsPerSecond paces admissions across every bucket.
	GlobalRequestsPerSecond float64

	// SafetyMargin widens every bucket wait to absorb clock drift between
	// client and server.
	SafetyMargin time.Duration

	// MaxBuckets caps tracked buckets; the least recently used is evicted
	// beyond it. MaxInactiveTime evicts buckets with no traffic.
	MaxBuckets      int
	MaxInactiveTime time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// RetryOptions controls backoff behaviour for retryable failures.
type RetryOptions struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// DisableJitter turns the +-JitterFactor spread off; jitter is on by
	// default.
	DisableJitter bool
	JitterFactor  float64

	RetryableStatuses []int
}

// CircuitOptions controls the per-route circuit breaker.
type CircuitOptions struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitoringPeriod time.Duration
	Disabled         bool
}

func (o Options) withDefaults() Options {
	if o.APIVersion == "" {
		o.APIVersion = defaultAPIVersion
	}
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 3
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = time.Second
	}
	if o.Retry.MaxDelay <= 0 {
		o.Retry.MaxDelay = 30 * time.Second
	}
	if o.Retry.BackoffFactor <= 1 {
		o.Retry.BackoffFactor = 2
	}
	if o.Retry.JitterFactor <= 0 {
		o.Retry.JitterFactor = 0.1
	}
	if len(o.Retry.RetryableStatuses) == 0 {
		o.Retry.RetryableStatuses = []int{408, 429, 500, 502, 503, 504}
	}
	if o.Circuit.FailureThreshold <= 0 {
		o.Circuit.FailureThreshold = 5
	}
	if o.Circuit.ResetTimeout <= 0 {
		o.Circuit.ResetTimeout = 60 * time.Second
	}
	if o.Circuit.MonitoringPeriod <= 0 {
		o.Circuit.MonitoringPeriod = 60 * time.Second
	}
	if o.GlobalRequestsPerSecond <= 0 {
		o.GlobalRequestsPerSecond = 50
	}
	if o.SafetyMargin <= 0 {
		o.SafetyMargin = 100 * time.Millisecond
	}
	if o.MaxBuckets <= 0 {
		o.MaxBuckets = 256
	}
	if o.MaxInactiveTime <= 0 {
		o.MaxInactiveTime = 5 * time.Minute
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}
	}
	return o
}

func (o Options) retryableStatus(status int) bool {
	for _, s := range o.Retry.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}
