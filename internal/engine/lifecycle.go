package engine

// LifecycleState tracks where an engine instance is in its run cycle. All
// transitions happen through atomic compare-and-swap, so concurrent Run and
// Cancel calls observe a consistent machine:
//
//	Idle -> Running -> Completed -> Running -> ...
//	          \-> Cancelling -> Completed
type LifecycleState int32

// Lifecycle states.
const (
	Idle LifecycleState = iota
	Running
	Cancelling
	Completed
)

func (s LifecycleState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Cancelling:
		return "cancelling"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}
