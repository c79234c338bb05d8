package session

// State is a session's lifecycle stage. Transitions are linear:
// INITIALIZING → WAITING_FOR_OPEN → LIVE → CLOSED, with CANCELLED and
// FAILED reachable from any non-terminal state.
type State string

const (
	StateInitializing   State = "INITIALIZING"
	StateWaitingForOpen State = "WAITING_FOR_OPEN"
	StateLive           State = "LIVE"
	StateClosed         State = "CLOSED"
	StateCancelled      State = "CANCELLED"
	StateFailed         State = "FAILED"
)

// Terminal reports whether the session has finished for good. A key
// holding a terminal session may be reused by a new start request.
func (s State) Terminal() bool {
	switch s {
	case StateClosed, StateCancelled, StateFailed:
		return true
	}
	return false
}
