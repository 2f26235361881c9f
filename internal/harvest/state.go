package harvest

import "fmt"

// validTransitions is the run state machine. Terminal states have no edges.
var validTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusQueued: {
		RunStatusRunning:   true,
		RunStatusCancelled: true,
		RunStatusFailed:    true,
	},
	RunStatusRunning: {
		RunStatusPaused:    true,
		RunStatusCompleted: true,
		RunStatusFailed:    true,
		RunStatusCancelled: true,
	},
	RunStatusPaused: {
		RunStatusRunning:   true,
		RunStatusCancelled: true,
	},
	RunStatusCompleted: {},
	RunStatusFailed:    {},
	RunStatusCancelled: {},
}

// ActiveRunStatuses are the statuses that hold a source lease.
var ActiveRunStatuses = []RunStatus{RunStatusQueued, RunStatusRunning, RunStatusPaused}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	edges, ok := validTransitions[s]
	return ok && len(edges) == 0
}

// Active reports whether a run in this status holds the source lease.
func (s RunStatus) Active() bool {
	for _, a := range ActiveRunStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to RunStatus) bool {
	return validTransitions[from][to]
}

// ValidateTransition returns ErrInvalidTransition for forbidden moves.
func ValidateTransition(from, to RunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ResolveControl validates an operator signal against a run status. direct
// is true when the signal is applied by the store itself because no worker
// owns the run; next is then the status to move to.
func ResolveControl(status RunStatus, control RunControl) (next RunStatus, direct bool, err error) {
	switch control {
	case RunControlPause:
		if status == RunStatusRunning {
			return status, false, nil
		}
		return "", false, fmt.Errorf("%w: cannot pause %s run", ErrInvalidTransition, status)
	case RunControlResume:
		if status == RunStatusPaused {
			return status, false, nil
		}
		return "", false, fmt.Errorf("%w: cannot resume %s run", ErrInvalidTransition, status)
	case RunControlCancel:
		switch status {
		case RunStatusRunning:
			return status, false, nil
		case RunStatusPaused, RunStatusQueued:
			return RunStatusCancelled, true, nil
		default:
			return "", false, fmt.Errorf("%w: cannot cancel %s run", ErrInvalidTransition, status)
		}
	default:
		return "", false, fmt.Errorf("%w: unknown control %q", ErrInvalidTransition, control)
	}
}
