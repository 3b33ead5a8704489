package supervisor

// State is the supervisor's lifecycle phase.
//
// Transitions: Idle → Starting on Run; Starting → Running once every
// service is bound; Starting → Failed if resolution or any bind
// fails; Running → Stopping on cancellation or a fatal loop error;
// Stopping → Stopped or Failed once all loops have exited and the
// drain phase is over.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
