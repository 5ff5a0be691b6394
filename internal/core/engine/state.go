package engine

// State is the sync engine's coarse execution mode. All cycle entry
// points consult it before touching shared collections; the transition
// table below is the engine's concurrency discipline, not a diagnostic.
type State uint8

const (
	// StateIdle means no cycle is running.
	StateIdle State = iota
	// StatePushing means an outbound push cycle is running.
	StatePushing
	// StateMerging means an inbound merge is being applied.
	StateMerging
	// StateSuspended means at least one deletion is in flight. Inbound
	// record merges are dropped; tombstone merges still pass.
	StateSuspended
	// StateOffline means connectivity is lost. Only StateIdle is
	// reachable from here, on reconnect.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePushing:
		return "pushing"
	case StateMerging:
		return "merging"
	case StateSuspended:
		return "suspended"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// transitions lists the legal state changes. Anything absent is illegal
// and rejected by (*Engine).transition.
var transitions = map[State][]State{
	StateIdle:      {StatePushing, StateMerging, StateSuspended, StateOffline},
	StatePushing:   {StateIdle, StateSuspended, StateOffline},
	StateMerging:   {StateIdle, StateSuspended, StateOffline},
	StateSuspended: {StateIdle, StateOffline},
	StateOffline:   {StateIdle},
}

func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
