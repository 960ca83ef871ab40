package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"bugline/internal/config"
	"bugline/internal/domain"
	"bugline/internal/engine/access"
	"bugline/internal/events"
	"bugline/internal/repo"
)

// Engine orchestrates bug mutations: authorization first, then transition
// validation, then a single transaction applying the change and its event.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ValidationError reports a malformed field in a request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidAssigneeError reports an assignment target that cannot hold
// assignments.
type InvalidAssigneeError struct {
	UserID string
	Role   domain.Role
}

func (e InvalidAssigneeError) Error() string {
	return fmt.Sprintf("user %s has role %s and cannot be assigned bugs", e.UserID, e.Role)
}

// BugCreateOptions are parameters for creating a bug. Reporter and status are
// not options: the reporter is always the acting user and new bugs are open.
type BugCreateOptions struct {
	Title       string
	Description string
	Priority    domain.Priority
	DueDate     string
	Steps       []domain.ReproStep
}

func (e Engine) CreateBug(ctx context.Context, actor access.Actor, opts BugCreateOptions) (domain.Bug, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Bug{}, ValidationError{Field: "title", Reason: "is required"}
	}
	if opts.Priority == "" {
		opts.Priority = e.Config.DefaultPriority()
	}
	if !opts.Priority.Valid() {
		return domain.Bug{}, ValidationError{Field: "priority", Reason: "must be one of low, medium, high, critical"}
	}
	if opts.DueDate != "" {
		if _, err := time.Parse(time.RFC3339, opts.DueDate); err != nil {
			return domain.Bug{}, ValidationError{Field: "due_date", Reason: "must be an RFC3339 timestamp"}
		}
	}
	if err := validateSteps(opts.Steps); err != nil {
		return domain.Bug{}, err
	}
	if err := access.Ensure(actor, access.KindBug, access.Resource{}, access.ActionCreate); err != nil {
		return domain.Bug{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	b := domain.Bug{
		ID:               uuid.New().String(),
		Title:            title,
		Description:      opts.Description,
		Status:           domain.StatusOpen,
		Priority:         opts.Priority,
		Reporter:         actor.ID,
		StepsToReproduce: normalizeSteps(opts.Steps),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if opts.DueDate != "" {
		due := opts.DueDate
		b.DueDate = &due
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bug{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBug(ctx, tx, b); err != nil {
		return domain.Bug{}, err
	}
	if err := e.Events.Append(ctx, tx, "bug.created", "bug", b.ID, actor.ID, events.EventPayload{
		"title":    b.Title,
		"status":   b.Status,
		"priority": b.Priority,
	}); err != nil {
		return domain.Bug{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bug{}, err
	}
	return b, nil
}

// BugUpdateOptions encapsulates the updatable fields. Reporter, creation
// time, and comments are not represented here; the transport layer discards
// them before the options are built.
type BugUpdateOptions struct {
	ID           string
	Title        *string
	Description  *string
	Status       *domain.Status
	Priority     *domain.Priority
	DueDate      *string
	ClearDueDate bool
	Steps        *[]domain.ReproStep
}

func (e Engine) UpdateBug(ctx context.Context, actor access.Actor, opts BugUpdateOptions) (domain.Bug, error) {
	b, err := e.Repo.GetBug(ctx, opts.ID)
	if err != nil {
		return b, err
	}
	res := access.Resource{ReporterID: b.Reporter, AssigneeID: strPtrValue(b.AssigneeID)}
	if err := access.Ensure(actor, access.KindBug, res, access.ActionUpdate); err != nil {
		return b, err
	}
	from := b.Status
	if opts.Status != nil {
		if err := ensureTransition(b.Status, *opts.Status); err != nil {
			return b, err
		}
	}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return b, ValidationError{Field: "title", Reason: "must not be empty"}
		}
		b.Title = title
	}
	if opts.Description != nil {
		b.Description = *opts.Description
	}
	if opts.Priority != nil {
		if !opts.Priority.Valid() {
			return b, ValidationError{Field: "priority", Reason: "must be one of low, medium, high, critical"}
		}
		b.Priority = *opts.Priority
	}
	if opts.ClearDueDate {
		b.DueDate = nil
	} else if opts.DueDate != nil {
		if _, err := time.Parse(time.RFC3339, *opts.DueDate); err != nil {
			return b, ValidationError{Field: "due_date", Reason: "must be an RFC3339 timestamp"}
		}
		b.DueDate = opts.DueDate
	}
	if opts.Steps != nil {
		if err := validateSteps(*opts.Steps); err != nil {
			return b, err
		}
		b.StepsToReproduce = normalizeSteps(*opts.Steps)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if opts.Status != nil {
		b.Status = *opts.Status
		// resolved_at and closed_at record the first time each status is
		// reached; reopening never clears them.
		if b.Status == domain.StatusResolved && b.ResolvedAt == nil {
			b.ResolvedAt = &now
		}
		if b.Status == domain.StatusClosed && b.ClosedAt == nil {
			b.ClosedAt = &now
		}
	}
	b.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBug(ctx, tx, b); err != nil {
		return b, err
	}
	if opts.Steps != nil {
		if err := e.Repo.ReplaceSteps(ctx, tx, b.ID, b.StepsToReproduce); err != nil {
			return b, err
		}
	}
	if err := e.Events.Append(ctx, tx, "bug.updated", "bug", b.ID, actor.ID, events.EventPayload{
		"from_status": from,
		"to_status":   b.Status,
	}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	return b, nil
}

func (e Engine) DeleteBug(ctx context.Context, actor access.Actor, id string) error {
	b, err := e.Repo.GetBug(ctx, id)
	if err != nil {
		return err
	}
	res := access.Resource{ReporterID: b.Reporter, AssigneeID: strPtrValue(b.AssigneeID)}
	if err := access.Ensure(actor, access.KindBug, res, access.ActionDelete); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteBug(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "bug.deleted", "bug", id, actor.ID, events.EventPayload{
		"title": b.Title,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AssignBug sets or, with an empty assignee id, clears a bug's assignment.
// The target must exist and hold a role that can carry assignments.
func (e Engine) AssignBug(ctx context.Context, actor access.Actor, bugID, assigneeID string) (domain.Bug, error) {
	b, err := e.Repo.GetBug(ctx, bugID)
	if err != nil {
		return b, err
	}
	res := access.Resource{ReporterID: b.Reporter, AssigneeID: strPtrValue(b.AssigneeID)}
	if err := access.Ensure(actor, access.KindBug, res, access.ActionAssign); err != nil {
		return b, err
	}
	evtType := "bug.assigned"
	payload := events.EventPayload{}
	if assigneeID == "" {
		b.AssigneeID = nil
		evtType = "bug.unassigned"
	} else {
		u, err := e.Repo.GetUser(ctx, assigneeID)
		if err != nil {
			return b, err
		}
		if !u.Role.Assignable() {
			return b, InvalidAssigneeError{UserID: u.ID, Role: u.Role}
		}
		b.AssigneeID = &assigneeID
		payload["assignee_id"] = assigneeID
	}
	b.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBug(ctx, tx, b); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "bug", b.ID, actor.ID, payload); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	return b, nil
}

func (e Engine) AddComment(ctx context.Context, actor access.Actor, bugID, content string) (domain.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Comment{}, ValidationError{Field: "content", Reason: "must not be empty"}
	}
	b, err := e.Repo.GetBug(ctx, bugID)
	if err != nil {
		return domain.Comment{}, err
	}
	res := access.Resource{ReporterID: b.Reporter, AssigneeID: strPtrValue(b.AssigneeID)}
	if err := access.Ensure(actor, access.KindBug, res, access.ActionComment); err != nil {
		return domain.Comment{}, err
	}
	c := domain.Comment{
		ID:        uuid.New().String(),
		BugID:     b.ID,
		AuthorID:  actor.ID,
		Content:   content,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "bug.commented", "bug", b.ID, actor.ID, events.EventPayload{
		"comment_id": c.ID,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// WatchState is the result of toggling a watch.
type WatchState struct {
	IsWatching    bool `json:"is_watching"`
	WatchersCount int  `json:"watchers_count"`
}

// ToggleWatch adds the actor to a bug's watcher set, or removes them if
// already present.
func (e Engine) ToggleWatch(ctx context.Context, actor access.Actor, bugID string) (WatchState, error) {
	b, err := e.Repo.GetBug(ctx, bugID)
	if err != nil {
		return WatchState{}, err
	}
	res := access.Resource{ReporterID: b.Reporter, AssigneeID: strPtrValue(b.AssigneeID)}
	if err := access.Ensure(actor, access.KindBug, res, access.ActionWatch); err != nil {
		return WatchState{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WatchState{}, err
	}
	defer tx.Rollback()
	watching, err := e.Repo.IsWatching(ctx, tx, b.ID, actor.ID)
	if err != nil {
		return WatchState{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	evtType := "bug.watched"
	if watching {
		if err := e.Repo.RemoveWatcher(ctx, tx, b.ID, actor.ID); err != nil {
			return WatchState{}, err
		}
		evtType = "bug.unwatched"
	} else {
		if err := e.Repo.AddWatcher(ctx, tx, b.ID, actor.ID, now); err != nil {
			return WatchState{}, err
		}
	}
	count, err := e.Repo.CountWatchers(ctx, tx, b.ID)
	if err != nil {
		return WatchState{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "bug", b.ID, actor.ID, nil); err != nil {
		return WatchState{}, err
	}
	if err := tx.Commit(); err != nil {
		return WatchState{}, err
	}
	return WatchState{IsWatching: !watching, WatchersCount: count}, nil
}

// validateSteps rejects duplicate order values up front; bug_steps keys on
// (bug_id, step_order), so a duplicate would otherwise fail at insert time.
func validateSteps(steps []domain.ReproStep) error {
	seen := make(map[int]struct{}, len(steps))
	for _, s := range steps {
		if _, dup := seen[s.Order]; dup {
			return ValidationError{Field: "steps_to_reproduce", Reason: fmt.Sprintf("duplicate order %d", s.Order)}
		}
		seen[s.Order] = struct{}{}
	}
	return nil
}

// normalizeSteps sorts steps by their caller-supplied order. Order values are
// kept as provided, never recomputed.
func normalizeSteps(steps []domain.ReproStep) []domain.ReproStep {
	if len(steps) == 0 {
		return nil
	}
	out := make([]domain.ReproStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
