package matchmaking

type State int

const (
	Idle State = iota
	Sweeping
	Searching
	Claiming
	WaitingInPool
	Paired
	TimedOut
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sweeping:
		return "sweeping"
	case Searching:
		return "searching"
	case Claiming:
		return "claiming"
	case WaitingInPool:
		return "waiting_in_pool"
	case Paired:
		return "paired"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == Paired || s == TimedOut || s == Cancelled || s == Failed
}
