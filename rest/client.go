// Package rest implements the rate-limit aware HTTP engine: per-route token
// buckets tuned from response headers, priority queues with one dispatcher
// per bucket, a middleware pipeline, retry with backoff and jitter, and a
// per-route circuit breaker.
package rest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/adred-codev/concord/cerr"
	"github.com/adred-codev/concord/metrics"
)

// Client is the REST entry point. All methods are safe for concurrent use.
type Client struct {
	opts Options
	log  zerolog.Logger
	mtr  *metrics.Registry

	http     *http.Client
	pipeline *Pipeline
	breakers *breakerGroup
	mgr      *manager

	closed atomic.Bool
}

// New constructs a REST client. The user agent is mandatory: requests
// missing it are never sent.
func New(opts Options, log zerolog.Logger, mtr *metrics.Registry) (*Client, error) {
	if opts.UserAgent == "" {
		return nil, cerr.Validation.New("user agent is required")
	}
	opts = opts.withDefaults()

	c := &Client{
		opts:     opts,
		log:      log.With().Str("component", "rest").Logger(),
		mtr:      mtr,
		http:     opts.HTTPClient,
		breakers: newBreakerGroup(opts.Circuit),
	}
	if mtr != nil {
		c.pipeline = NewPipeline(mtr.REST.MiddlewareRecoveries)
	} else {
		c.pipeline = NewPipeline(nil)
	}
	c.mgr = newManager(opts, c, c.log, mtr)
	return c, nil
}

// Use registers a middleware stage. Stages added while calls are in flight
// apply to subsequent calls only.
func (c *Client) Use(s Stage) {
	c.pipeline.Register(s)
}

// Do queues the request behind its rate-limit bucket and blocks until a
// terminal result.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if c.closed.Load() {
		return nil, cerr.Cancelled.New("client is shut down")
	}
	if req.Method == "" || req.Path == "" || req.Path[0] != '/' {
		return nil, cerr.Validation.New("malformed request: %s %q", req.Method, req.Path)
	}

	route := DeriveRoute(req.Method, req.Path)

	if !c.opts.Circuit.Disabled {
		if err := c.breakers.get(route.Template).allow(time.Now()); err != nil {
			if c.mtr != nil {
				c.mtr.REST.BreakerRejections.Inc()
			}
			return nil, err
		}
	}

	return c.mgr.enqueue(ctx, req, route)
}

// Get fetches path and decodes the JSON response into out (which may be
// nil).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// Post sends in as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.bodyJSON(ctx, http.MethodPost, path, in, out)
}

// Patch sends in as JSON and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, in, out any) error {
	return c.bodyJSON(ctx, http.MethodPatch, path, in, out)
}

// Put sends in as JSON and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.bodyJSON(ctx, http.MethodPut, path, in, out)
}

// Delete issues a DELETE with an optional audit log reason.
func (c *Client) Delete(ctx context.Context, path, reason string) error {
	_, err := c.Do(ctx, Request{Method: http.MethodDelete, Path: path, Reason: reason})
	return err
}

func (c *Client) bodyJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = sonic.Marshal(in)
		if err != nil {
			return cerr.Validation.Wrap(err)
		}
	}
	return c.doJSON(ctx, method, path, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.Do(ctx, Request{Method: method, Path: path, Body: body})
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(resp.Body, out); err != nil {
		return cerr.Client.Wrap(err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels everything pending and waits
// for dispatchers to drain within ctx. It is idempotent.
func (c *Client) Shutdown(ctx context.Context) error {
	c.closed.Store(true)
	return c.mgr.close(ctx)
}

// attempt performs a single HTTP attempt for a ticket: middleware in, wire
// round trip, middleware out, then classification for the dispatcher.
func (c *Client) attempt(t *ticket) attemptResult {
	ctx, cancel := context.WithTimeout(t.ctx, c.opts.Timeout)
	defer cancel()

	sc := &StageContext{Ctx: ctx, Request: &t.req, Route: t.route, Attempt: t.attempt}
	resp, err := c.pipeline.Run(sc, func() (*Response, error) {
		return c.roundTrip(ctx, &t.req)
	})

	var br *breaker
	if !c.opts.Circuit.Disabled {
		br = c.breakers.get(t.route.Template)
	}

	if err != nil {
		if br != nil && trips(err) {
			if br.recordFailure(time.Now()) && c.mtr != nil {
				c.mtr.REST.BreakerOpens.Inc()
			}
		}
		out := outcomeFailed
		if cerr.Retryable(err) {
			out = outcomeRetryable
		}
		return attemptResult{outcome: out, err: err}
	}

	header, hasHeader := ParseRateLimitHeader(resp.Header)

	switch {
	case resp.Status == http.StatusTooManyRequests:
		retryAfter, global := parseRetryAfter(resp.Header, resp.Body)
		if br != nil {
			br.recordNeutral()
		}
		rlErr := cerr.RateLimit.Wrap(&cerr.RateLimitedError{
			RetryAfter: retryAfter,
			Global:     global,
			Scope:      resp.Header.Get(headerScope),
		})
		return attemptResult{
			outcome:    outcomeRateLimited,
			err:        rlErr,
			header:     header,
			hasHeader:  hasHeader,
			retryAfter: retryAfter,
			global:     global,
		}

	case resp.Status >= 200 && resp.Status < 300:
		if br != nil {
			br.recordSuccess()
		}
		return attemptResult{outcome: outcomeOK, resp: resp, header: header, hasHeader: hasHeader}

	default:
		classified := cerr.FromStatus(resp.Status, decodeAPIError(resp.Body))
		if br != nil {
			if trips(classified) {
				if br.recordFailure(time.Now()) && c.mtr != nil {
					c.mtr.REST.BreakerOpens.Inc()
				}
			} else {
				br.recordNeutral()
			}
		}
		out := outcomeFailed
		if c.opts.retryableStatus(resp.Status) && cerr.Retryable(classified) {
			out = outcomeRetryable
		}
		return attemptResult{outcome: out, err: classified, header: header, hasHeader: hasHeader}
	}
}

// roundTrip composes and sends the HTTP request and drains the body.
func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	u := c.opts.BaseURL + "/v" + c.opts.APIVersion + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, bytes.NewReader(req.Body))
	if err != nil {
		return nil, cerr.Validation.Wrap(err)
	}

	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	if !req.NoAuth && c.opts.Token != "" {
		httpReq.Header.Set("Authorization", "Bot "+c.opts.Token)
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Reason != "" {
		httpReq.Header.Set("X-Audit-Log-Reason", url.PathEscape(req.Reason))
	}
	for k, vs := range req.Headers {
		httpReq.Header[http.CanonicalHeaderKey(k)] = vs
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, cerr.WrapTransport(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, cerr.WrapTransport(err)
	}

	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
}

func decodeAPIError(body []byte) *cerr.APIError {
	if len(body) == 0 {
		return nil
	}
	var api cerr.APIError
	if sonic.Unmarshal(body, &api) != nil {
		return nil
	}
	return &api
}
