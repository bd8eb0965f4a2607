package engine

// State is the lifecycle of a room session. Transitions:
// Disconnected -> Connecting -> SyncingSnapshot -> Live, with
// Reconnecting <-> Connecting on transport loss and Closed as the terminal
// state on explicit exit.
type State int32

const (
	Disconnected State = iota
	Connecting
	SyncingSnapshot
	Live
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case SyncingSnapshot:
		return "syncing_snapshot"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
