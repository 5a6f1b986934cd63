package gateway

// State is a shard session's lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
	StateDisconnected
	StateDestroyed
)

var stateNames = [...]string{
	"idle",
	"connecting",
	"connected",
	"identifying",
	"resuming",
	"ready",
	"reconnecting",
	"disconnected",
	"destroyed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the shard will make no further connection
// attempts.
func (s State) Terminal() bool {
	return s == StateDestroyed
}
