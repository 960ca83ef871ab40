package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"bugline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const bugColumns = `id,title,description,status,priority,reporter,assignee_id,due_date,created_at,updated_at,resolved_at,closed_at`

func scanBug(scan func(dest ...any) error) (domain.Bug, error) {
	var b domain.Bug
	var description, assigneeID, dueDate, resolvedAt, closedAt sql.NullString
	err := scan(&b.ID, &b.Title, &description, &b.Status, &b.Priority, &b.Reporter,
		&assigneeID, &dueDate, &b.CreatedAt, &b.UpdatedAt, &resolvedAt, &closedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if description.Valid {
		b.Description = description.String
	}
	if assigneeID.Valid {
		b.AssigneeID = &assigneeID.String
	}
	if dueDate.Valid {
		b.DueDate = &dueDate.String
	}
	if resolvedAt.Valid {
		b.ResolvedAt = &resolvedAt.String
	}
	if closedAt.Valid {
		b.ClosedAt = &closedAt.String
	}
	return b, nil
}

func (r Repo) InsertBug(ctx context.Context, tx *sql.Tx, b domain.Bug) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bugs(`+bugColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Title, nullable(b.Description), b.Status, b.Priority, b.Reporter,
		nullableStringPtr(b.AssigneeID), nullableStringPtr(b.DueDate),
		b.CreatedAt, b.UpdatedAt, nullableStringPtr(b.ResolvedAt), nullableStringPtr(b.ClosedAt))
	if err != nil {
		return err
	}
	return r.replaceSteps(ctx, tx, b.ID, b.StepsToReproduce)
}

func (r Repo) UpdateBug(ctx context.Context, tx *sql.Tx, b domain.Bug) error {
	_, err := tx.ExecContext(ctx, `UPDATE bugs SET title=?, description=?, status=?, priority=?, assignee_id=?, due_date=?, updated_at=?, resolved_at=?, closed_at=? WHERE id=?`,
		b.Title, nullable(b.Description), b.Status, b.Priority,
		nullableStringPtr(b.AssigneeID), nullableStringPtr(b.DueDate),
		b.UpdatedAt, nullableStringPtr(b.ResolvedAt), nullableStringPtr(b.ClosedAt), b.ID)
	return err
}

// ReplaceSteps rewrites the reproduction steps for a bug.
func (r Repo) ReplaceSteps(ctx context.Context, tx *sql.Tx, bugID string, steps []domain.ReproStep) error {
	return r.replaceSteps(ctx, tx, bugID, steps)
}

func (r Repo) replaceSteps(ctx context.Context, tx *sql.Tx, bugID string, steps []domain.ReproStep) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM bug_steps WHERE bug_id=?`, bugID); err != nil {
		return err
	}
	for _, s := range steps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO bug_steps(bug_id,step_order,text) VALUES (?,?,?)`, bugID, s.Order, s.Text); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetBug(ctx context.Context, id string) (domain.Bug, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+bugColumns+` FROM bugs WHERE id=?`, id)
	b, err := scanBug(row.Scan)
	if err != nil {
		return b, err
	}
	b.StepsToReproduce, err = r.listSteps(ctx, b.ID)
	if err != nil {
		return b, err
	}
	b.Watchers, err = r.ListWatchers(ctx, b.ID)
	return b, err
}

func (r Repo) listSteps(ctx context.Context, bugID string) ([]domain.ReproStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT step_order,text FROM bug_steps WHERE bug_id=? ORDER BY step_order ASC`, bugID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.ReproStep
	for rows.Next() {
		var s domain.ReproStep
		if err := rows.Scan(&s.Order, &s.Text); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r Repo) DeleteBug(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM bugs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type BugFilters struct {
	Status          string
	Priority        string
	Reporter        string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListBugs(ctx context.Context, f BugFilters) ([]domain.Bug, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.Reporter != "" {
		clauses = append(clauses, "reporter=?")
		args = append(args, f.Reporter)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + bugColumns + ` FROM bugs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bug
	for rows.Next() {
		b, err := scanBug(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// --- comments ---

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO comments(id,bug_id,author_id,content,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.BugID, c.AuthorID, c.Content, c.CreatedAt)
	return err
}

// ListComments returns a bug's comments in insertion order.
func (r Repo) ListComments(ctx context.Context, bugID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,bug_id,author_id,content,created_at FROM comments WHERE bug_id=? ORDER BY seq ASC`, bugID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.BugID, &c.AuthorID, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- watchers ---

func (r Repo) IsWatching(ctx context.Context, tx *sql.Tx, bugID, userID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM watchers WHERE bug_id=? AND user_id=?`, bugID, userID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) AddWatcher(ctx context.Context, tx *sql.Tx, bugID, userID, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO watchers(bug_id,user_id,created_at) VALUES (?,?,?)`, bugID, userID, createdAt)
	return err
}

func (r Repo) RemoveWatcher(ctx context.Context, tx *sql.Tx, bugID, userID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM watchers WHERE bug_id=? AND user_id=?`, bugID, userID)
	return err
}

func (r Repo) CountWatchers(ctx context.Context, tx *sql.Tx, bugID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM watchers WHERE bug_id=?`, bugID).Scan(&n)
	return n, err
}

func (r Repo) ListWatchers(ctx context.Context, bugID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id FROM watchers WHERE bug_id=? ORDER BY created_at ASC, user_id ASC`, bugID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
