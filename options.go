package concord

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/adred-codev/concord/gateway"
	"github.com/adred-codev/concord/rest"
)

// Version is reported in the default user agent.
const Version = "0.1.0"

const defaultUserAgent = "DiscordBot (https://github.com/adred-codev/concord, " + Version + ")"

// Options configures a Client. Token is the only required field.
type Options struct {
	// Token authenticates both REST calls and gateway identifies.
	Token string

	// Intents is the gateway event subscription bitfield.
	Intents gateway.Intents

	// UserAgent overrides the default library user agent on REST calls.
	UserAgent string

	// Logger overrides the default stderr logger.
	Logger *zerolog.Logger

	// Rest tunes the HTTP engine; Token and UserAgent are filled in from
	// the fields above when left empty.
	Rest rest.Options

	// Gateway tunes the shard fleet; Token and Intents are filled in from
	// the fields above when left empty.
	Gateway gateway.Options
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Rest.Token == "" {
		o.Rest.Token = o.Token
	}
	if o.Rest.UserAgent == "" {
		o.Rest.UserAgent = o.UserAgent
	}
	if o.Gateway.Token == "" {
		o.Gateway.Token = o.Token
	}
	if o.Gateway.Intents == 0 {
		o.Gateway.Intents = o.Intents
	}
	return o
}

func defaultLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
