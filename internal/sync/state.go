package sync

// State is a stage of the sync cycle.
type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StatePulling
	StateApplying
	StateCollecting
	StatePushing
	StateReconciling
	StateFailed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateAuthenticating: "authenticating",
	StatePulling:        "pulling",
	StateApplying:       "applying",
	StateCollecting:     "collecting",
	StatePushing:        "pushing",
	StateReconciling:    "reconciling",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy reports whether a cycle is in progress in this state.
func (s State) Busy() bool {
	return s != StateIdle && s != StateFailed
}

// StageError is a cycle failure annotated with the stage it happened in.
// Its message is the underlying failure reason unchanged.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}
