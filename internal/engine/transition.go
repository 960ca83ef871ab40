package engine

import (
	"fmt"

	"bugline/internal/domain"
)

// transitions is the authoritative status graph. An edge must be listed here
// to be legal; everything else, including from == to, is rejected. Note the
// reopen asymmetry: resolved and closed both return to open, but closed does
// not reach testing or resolved directly.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusOpen:       {domain.StatusInProgress, domain.StatusClosed},
	domain.StatusInProgress: {domain.StatusTesting, domain.StatusOpen, domain.StatusClosed},
	domain.StatusTesting:    {domain.StatusResolved, domain.StatusInProgress, domain.StatusOpen},
	domain.StatusResolved:   {domain.StatusClosed, domain.StatusOpen},
	domain.StatusClosed:     {domain.StatusOpen},
}

// LegalTransition reports whether a bug may move from one status to another.
// Unknown statuses on either side are illegal.
func LegalTransition(from, to domain.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal status transition.
type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func ensureTransition(from, to domain.Status) error {
	if !LegalTransition(from, to) {
		return TransitionError{From: from, To: to}
	}
	return nil
}
