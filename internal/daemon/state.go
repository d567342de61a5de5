package daemon

// State is the lifecycle of the supervision loop.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
