// Package gateway implements the sharded WebSocket side of the library:
// per-shard session state machines with identify/resume and heartbeat
// handling, fleet orchestration under the session start limit, and ordered
// event fan-out to user handlers.
package gateway

import "encoding/json"

// Gateway opcodes.
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpPresenceUpdate      = 3
	OpVoiceStateUpdate    = 4
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatACK        = 11
)

// Gateway close codes.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// payload is the wire frame exchanged with the gateway.
type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Envelope is the read-only view of a dispatch frame handed to the router.
type Envelope struct {
	Opcode   int
	Sequence int64
	Name     string
	Data     json.RawMessage
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// IdentifyProperties fills the "properties" field of the identify payload.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          *[2]int            `json:"shard,omitempty"`
	Presence       *PresenceUpdate    `json:"presence,omitempty"`
	Intents        Intents            `json:"intents"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Activity is a presence activity entry.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// PresenceUpdate is the opcode 3 payload, also embeddable in identify.
type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// VoiceStateUpdate is the opcode 4 payload.
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// RequestGuildMembers is the opcode 8 payload.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

type closeAction int

const (
	// actionResume reopens the socket and resumes the session.
	actionResume closeAction = iota
	// actionReidentify drops session state and identifies fresh.
	actionReidentify
	// actionStop destroys the shard; reconnecting cannot help.
	actionStop
)

// classifyClose maps a close code to the session's next move. Codes not
// listed are treated as re-identify: the connection is retriable but the
// session cannot be assumed alive.
func classifyClose(code int) closeAction {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return actionStop
	case CloseUnknownError,
		CloseUnknownOpcode,
		CloseDecodeError,
		CloseNotAuthenticated,
		CloseAlreadyAuthenticated,
		CloseInvalidSeq,
		CloseRateLimited,
		CloseSessionTimedOut:
		return actionResume
	default:
		return actionReidentify
	}
}
