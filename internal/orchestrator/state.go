package orchestrator

import (
	"errors"
	"fmt"

	"github.com/seoscope/crawler/internal/domain"
)

// ErrInvalidTransition means the requested status change is not an edge of
// the run state machine.
var ErrInvalidTransition = errors.New("invalid run transition")

// transitions maps each run status to the statuses it may move to. Stopped,
// completed, and failed are terminal: they have no outgoing edges, so a
// stopped run can never be resumed.
var transitions = map[domain.RunStatus][]domain.RunStatus{
	domain.RunStatusPending: {
		domain.RunStatusPendingApproval,
		domain.RunStatusInProgress,
		domain.RunStatusStopped,
		domain.RunStatusFailed,
	},
	domain.RunStatusPendingApproval: {
		domain.RunStatusInProgress,
		domain.RunStatusStopped,
		domain.RunStatusFailed,
	},
	domain.RunStatusInProgress: {
		domain.RunStatusPaused,
		domain.RunStatusStopped,
		domain.RunStatusCompleted,
		domain.RunStatusFailed,
	},
	domain.RunStatusPaused: {
		domain.RunStatusInProgress,
		domain.RunStatusStopped,
		domain.RunStatusFailed,
	},
	domain.RunStatusStopped:   {},
	domain.RunStatusCompleted: {},
	domain.RunStatusFailed:    {},
}

// ValidateTransition checks whether from may move to to.
func ValidateTransition(from, to domain.RunStatus) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("unknown run status %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
