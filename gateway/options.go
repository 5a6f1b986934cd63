package gateway

import "time"

const (
	defaultGatewayURL = "wss://gateway.discord.gg"

	// sendBurst is the gateway's per-connection send allowance: 120 frames
	// per 60 seconds, heartbeats excluded.
	sendBurst  = 120
	sendWindow = time.Minute
)

// Options configures the shard fleet. The zero value plus a token is
// usable; withDefaults fills the rest.
type Options struct {
	// Token authenticates every identify and resume.
	Token string

	// Intents is the event subscription bitfield sent with identify.
	Intents Intents

	// ShardCount is the total number of shards. Zero means use the count
	// recommended by the gateway bot endpoint.
	ShardCount int

	// ShardIDs restricts this process to a subset of the fleet. Empty
	// means run every shard in [0, ShardCount).
	ShardIDs []int

	// GatewayURL overrides the connect URL; the recommended URL from the
	// gateway bot endpoint is used when empty.
	GatewayURL string

	// Compress enables zlib-stream transport compression.
	Compress bool

	Properties     IdentifyProperties
	Presence       *PresenceUpdate
	LargeThreshold int

	// IdentifySpacing is the minimum gap between identifies sharing a
	// concurrency bucket.
	IdentifySpacing time.Duration

	// IdentifyTimeout bounds the wait for READY after an identify before
	// the connection is abandoned and retried.
	IdentifyTimeout time.Duration

	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration

	// ReconnectBase and ReconnectMax bound the exponential backoff between
	// failed connection attempts.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// EventHighWater is the per-shard dispatch queue depth above which the
	// oldest queued events are dropped.
	EventHighWater int
}

func (o Options) withDefaults() Options {
	if o.GatewayURL == "" {
		o.GatewayURL = defaultGatewayURL
	}
	if o.Properties == (IdentifyProperties{}) {
		o.Properties = IdentifyProperties{OS: "linux", Browser: "concord", Device: "concord"}
	}
	if o.IdentifySpacing <= 0 {
		o.IdentifySpacing = 5 * time.Second
	}
	if o.IdentifyTimeout <= 0 {
		o.IdentifyTimeout = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = time.Minute
	}
	if o.EventHighWater <= 0 {
		o.EventHighWater = 2048
	}
	return o
}
