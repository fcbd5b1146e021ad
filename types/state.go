package types

// RunState tracks a run through its lifecycle. Transitions only move
// forward; both terminal states are sticky.
type RunState string

const (
	// RunStateCreated is the state of a run handle before its
	// initialization records have been enqueued.
	RunStateCreated RunState = "created"

	// RunStateStarting means the run is announced and its config and
	// telemetry records are queued but callers may not log yet.
	RunStateStarting RunState = "starting"

	// RunStateActive accepts log and config-update operations.
	RunStateActive RunState = "active"

	// RunStateFinishing means finish was requested and the run is
	// draining its queue; no further records are accepted.
	RunStateFinishing RunState = "finishing"

	// RunStateFinished is the successful terminal state.
	RunStateFinished RunState = "finished"

	// RunStateFailed is the unrecoverable terminal state, entered when
	// the channel is lost for good or an invariant is violated.
	RunStateFailed RunState = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunStateFinished || s == RunStateFailed
}

// Accepting reports whether a run in state s accepts new data records.
func (s RunState) Accepting() bool {
	return s == RunStateActive
}

var runStateNext = map[RunState][]RunState{
	RunStateCreated:   {RunStateStarting, RunStateFailed},
	RunStateStarting:  {RunStateActive, RunStateFailed},
	RunStateActive:    {RunStateFinishing, RunStateFailed},
	RunStateFinishing: {RunStateFinished, RunStateFailed},
}

// CanTransition reports whether s -> to is a legal lifecycle step.
// Terminal states admit nothing, including self-transitions.
func (s RunState) CanTransition(to RunState) bool {
	for _, next := range runStateNext[s] {
		if next == to {
			return true
		}
	}
	return false
}
