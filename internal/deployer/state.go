package deployer

type State int

const (
	StateInit State = iota
	StateContextReady
	StateBuilt
	StateLaunched
	StateHealthy
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateContextReady:
		return "CONTEXT_READY"
	case StateBuilt:
		return "BUILT"
	case StateLaunched:
		return "LAUNCHED"
	case StateHealthy:
		return "HEALTHY"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool {
	return s == StateHealthy || s == StateTimedOut || s == StateFailed
}
