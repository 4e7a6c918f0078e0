// Package lifecycle owns the proposal status graph. Every legal edge is
// declared here once; repositories enforce it with guarded single-row
// conditional updates and callers receive a state-conflict when they lose
// a race or call out of order.
package lifecycle

import (
	"github.com/CL-j-nc/xinhexin-api/internal/apperr"
	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

// transitions is the full forward graph. SUBMITTED is initial; COMPLETED
// and REJECTED are terminal.
var transitions = map[model.ProposalStatus][]model.ProposalStatus{
	model.StatusSubmitted:             {model.StatusUnderwritingConfirmed},
	model.StatusUnderwritingConfirmed: {model.StatusPaid, model.StatusRejected},
	model.StatusPaid:                  {model.StatusCompleted},
	model.StatusCompleted:             {},
	model.StatusRejected:              {},
}

// compensations are reverse edges applied only when a dual-control reviewer
// rejects a provisionally-applied substitute action.
var compensations = map[model.ProposalStatus]model.ProposalStatus{
	model.StatusPaid: model.StatusUnderwritingConfirmed,
}

// Valid reports whether s is a known status.
func Valid(s model.ProposalStatus) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s has no outgoing edges.
func Terminal(s model.ProposalStatus) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from → to is a legal forward edge.
func CanTransition(from, to model.ProposalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanCompensate reports whether from → to is a legal rollback edge.
func CanCompensate(from, to model.ProposalStatus) bool {
	return compensations[from] == to
}

// Check returns a state-conflict error unless from → to is legal.
func Check(from, to model.ProposalStatus) error {
	if !Valid(from) || !Valid(to) {
		return apperr.Newf(apperr.KindValidation, "unknown proposal status %q or %q", from, to)
	}
	if !CanTransition(from, to) {
		return apperr.Newf(apperr.KindStateConflict, "proposal cannot move from %s to %s", from, to)
	}
	return nil
}
