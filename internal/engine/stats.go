package engine

import (
	"context"
	"time"

	"bugline/internal/domain"
	"bugline/internal/engine/access"
)

// Statistics aggregates bug counts. The grouped totals come from single-pass
// grouped queries; overdue and mine are independent scoped counts against the
// same connection. Read-time staleness between them is acceptable.
func (e Engine) Statistics(ctx context.Context, actor access.Actor) (domain.Stats, error) {
	var s domain.Stats
	total, err := e.Repo.CountBugs(ctx)
	if err != nil {
		return s, err
	}
	byStatus, err := e.Repo.CountBugsByStatus(ctx)
	if err != nil {
		return s, err
	}
	byPriority, err := e.Repo.CountBugsByPriority(ctx)
	if err != nil {
		return s, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	overdue, err := e.Repo.CountOverdue(ctx, now)
	if err != nil {
		return s, err
	}
	mine, err := e.Repo.CountInvolving(ctx, actor.ID)
	if err != nil {
		return s, err
	}
	s = domain.Stats{
		Total:      total,
		ByStatus:   make(map[domain.Status]int, len(domain.Statuses)),
		ByPriority: make(map[domain.Priority]int, len(domain.Priorities)),
		Overdue:    overdue,
		Mine:       mine,
	}
	// Every known status and priority appears in the result, zero included.
	for _, st := range domain.Statuses {
		s.ByStatus[st] = byStatus[st]
	}
	for _, p := range domain.Priorities {
		s.ByPriority[p] = byPriority[p]
	}
	return s, nil
}
