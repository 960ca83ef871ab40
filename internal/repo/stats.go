package repo

import (
	"context"

	"bugline/internal/domain"
)

func (r Repo) CountBugs(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM bugs`).Scan(&n)
	return n, err
}

func (r Repo) CountBugsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM bugs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountBugsByPriority(ctx context.Context) (map[domain.Priority]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT priority, count(*) FROM bugs GROUP BY priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Priority]int{}
	for rows.Next() {
		var priority domain.Priority
		var count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		res[priority] = count
	}
	return res, rows.Err()
}

// CountOverdue counts bugs whose due date is before now and whose status is
// neither resolved nor closed. Due dates are RFC3339 strings, so the lexical
// comparison matches chronological order.
func (r Repo) CountOverdue(ctx context.Context, now string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM bugs WHERE due_date IS NOT NULL AND due_date < ? AND status NOT IN (?,?)`,
		now, domain.StatusResolved, domain.StatusClosed).Scan(&n)
	return n, err
}

// CountInvolving counts bugs where the user is reporter or assignee.
func (r Repo) CountInvolving(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM bugs WHERE reporter=? OR assignee_id=?`, userID, userID).Scan(&n)
	return n, err
}
