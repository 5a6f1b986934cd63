// Package concord is a chat platform client library built around two
// engines: a rate-limit aware REST client and a sharded gateway WebSocket
// fleet. The root package wires them together behind one facade.
package concord

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/zeebo/errs"

	"github.com/adred-codev/concord/cerr"
	"github.com/adred-codev/concord/gateway"
	"github.com/adred-codev/concord/metrics"
	"github.com/adred-codev/concord/rest"
)

// Client bundles the REST and gateway engines over a shared logger and
// metrics registry.
type Client struct {
	log zerolog.Logger
	mtr *metrics.Registry

	Rest    *rest.Client
	Gateway *gateway.Manager

	closed atomic.Bool
}

// New builds a client. No network traffic happens until Connect or the
// first REST call.
func New(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, cerr.Validation.New("token is required")
	}
	opts = opts.withDefaults()

	log := defaultLogger()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	mtr := metrics.NewRegistry()

	rc, err := rest.New(opts.Rest, log, mtr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		log:  log,
		mtr:  mtr,
		Rest: rc,
	}
	c.Gateway = gateway.NewManager(opts.Gateway, &gatewayInfo{rest: rc}, log, mtr)
	return c, nil
}

// On registers a typed gateway event handler.
func (c *Client) On(name string, h gateway.Handler) { c.Gateway.On(name, h) }

// OnRaw registers a raw dispatch handler.
func (c *Client) OnRaw(h gateway.RawHandler) { c.Gateway.OnRaw(h) }

// Connect starts the shard fleet. ctx bounds the initial gateway info
// fetch; shards keep running after it returns.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return cerr.Cancelled.New("client is shut down")
	}
	return c.Gateway.Start(ctx)
}

// Ready is closed once every shard has reached READY.
func (c *Client) Ready() <-chan struct{} { return c.Gateway.Ready() }

// Metrics exposes the client's collector registry.
func (c *Client) Metrics() *metrics.Registry { return c.mtr }

// Shutdown stops the fleet and the REST engine. Idempotent.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errs.Combine(
		c.Gateway.Shutdown(ctx),
		c.Rest.Shutdown(ctx),
	)
}

// gatewayInfo adapts the REST client to the gateway's info dependency.
type gatewayInfo struct {
	rest *rest.Client
}

func (g *gatewayInfo) GatewayBot(ctx context.Context) (*gateway.GatewayBot, error) {
	var out gateway.GatewayBot
	if err := g.rest.Get(ctx, "/gateway/bot", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
