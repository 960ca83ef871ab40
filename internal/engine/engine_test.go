package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"bugline/internal/config"
	"bugline/internal/db"
	"bugline/internal/domain"
	"bugline/internal/engine/access"
	"bugline/internal/migrate"
	"bugline/internal/repo"
)

var (
	reporterActor  = access.Actor{ID: "alice", Role: domain.RoleReporter}
	developerActor = access.Actor{ID: "bob", Role: domain.RoleDeveloper}
	adminActor     = access.Actor{ID: "carol", Role: domain.RoleAdmin}
)

func newTestEnv(t *testing.T) Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default("bugline"))
	e.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	seed := []domain.User{
		{ID: "alice", Name: "Alice", Role: domain.RoleReporter},
		{ID: "bob", Name: "Bob", Role: domain.RoleDeveloper},
		{ID: "carol", Name: "Carol", Role: domain.RoleAdmin},
		{ID: "dave", Name: "Dave", Role: domain.RoleReporter},
	}
	for _, u := range seed {
		u.CreatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.InsertUser(ctx, nil, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	return e
}

func mustCreateBug(t *testing.T, e Engine, actor access.Actor, opts BugCreateOptions) domain.Bug {
	t.Helper()
	b, err := e.CreateBug(context.Background(), actor, opts)
	if err != nil {
		t.Fatalf("create bug: %v", err)
	}
	return b
}

func TestCreateBugForcesReporterAndOpen(t *testing.T) {
	e := newTestEnv(t)
	b := mustCreateBug(t, e, reporterActor, BugCreateOptions{
		Title: "Crash on save",
		Steps: []domain.ReproStep{
			{Order: 3, Text: "observe crash"},
			{Order: 1, Text: "open editor"},
			{Order: 2, Text: "hit save"},
		},
	})
	if b.Reporter != "alice" {
		t.Fatalf("reporter = %s, want alice", b.Reporter)
	}
	if b.Status != domain.StatusOpen {
		t.Fatalf("status = %s, want open", b.Status)
	}
	if b.Priority != domain.PriorityMedium {
		t.Fatalf("priority = %s, want default medium", b.Priority)
	}
	stored, err := e.Repo.GetBug(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("get bug: %v", err)
	}
	for i, want := range []int{1, 2, 3} {
		if stored.StepsToReproduce[i].Order != want {
			t.Fatalf("step %d has order %d, want %d", i, stored.StepsToReproduce[i].Order, want)
		}
	}
}

func TestCreateBugValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	var ve ValidationError
	if _, err := e.CreateBug(ctx, reporterActor, BugCreateOptions{Title: "  "}); !errors.As(err, &ve) {
		t.Fatalf("blank title: expected ValidationError, got %v", err)
	}
	if _, err := e.CreateBug(ctx, reporterActor, BugCreateOptions{Title: "x", Priority: "urgent"}); !errors.As(err, &ve) {
		t.Fatalf("bad priority: expected ValidationError, got %v", err)
	}
	if _, err := e.CreateBug(ctx, reporterActor, BugCreateOptions{Title: "x", DueDate: "tomorrow"}); !errors.As(err, &ve) {
		t.Fatalf("bad due date: expected ValidationError, got %v", err)
	}
}

func TestDuplicateStepOrderRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	dup := []domain.ReproStep{
		{Order: 1, Text: "open editor"},
		{Order: 1, Text: "hit save"},
	}

	var ve ValidationError
	if _, err := e.CreateBug(ctx, reporterActor, BugCreateOptions{Title: "x", Steps: dup}); !errors.As(err, &ve) {
		t.Fatalf("duplicate order on create: expected ValidationError, got %v", err)
	}
	if ve.Field != "steps_to_reproduce" {
		t.Fatalf("field = %s, want steps_to_reproduce", ve.Field)
	}

	b := mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "x"})
	if _, err := e.UpdateBug(ctx, reporterActor, BugUpdateOptions{ID: b.ID, Steps: &dup}); !errors.As(err, &ve) {
		t.Fatalf("duplicate order on update: expected ValidationError, got %v", err)
	}
}

func TestUpdateForbiddenUntilAssigned(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	b := mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "Needs triage"})

	inProgress := domain.StatusInProgress
	_, err := e.UpdateBug(ctx, developerActor, BugUpdateOptions{ID: b.ID, Status: &inProgress})
	var fe access.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError before assignment, got %v", err)
	}

	if _, err := e.AssignBug(ctx, adminActor, b.ID, "bob"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	updated, err := e.UpdateBug(ctx, developerActor, BugUpdateOptions{ID: b.ID, Status: &inProgress})
	if err != nil {
		t.Fatalf("update after assignment: %v", err)
	}
	if updated.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in-progress", updated.Status)
	}
}

func TestIllegalTransitionRejectsWholeUpdate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	b := mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "Original title"})

	resolved := domain.StatusResolved
	newTitle := "Renamed"
	_, err := e.UpdateBug(ctx, reporterActor, BugUpdateOptions{ID: b.ID, Title: &newTitle, Status: &resolved})
	var te TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	stored, err := e.Repo.GetBug(ctx, b.ID)
	if err != nil {
		t.Fatalf("get bug: %v", err)
	}
	if stored.Title != "Original title" {
		t.Fatalf("title changed to %q despite rejected update", stored.Title)
	}
	if stored.Status != domain.StatusOpen {
		t.Fatalf("status changed to %s despite rejected update", stored.Status)
	}
}

func TestSameStatusPatchRejected(t *testing.T) {
	e := newTestEnv(t)
	b := mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "No-op status"})
	open := domain.StatusOpen
	_, err := e.UpdateBug(context.Background(), reporterActor, BugUpdateOptions{ID: b.ID, Status: &open})
	var te TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError for open -> open, got %v", err)
	}
}

func TestResolvedAtSetOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	b := mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "Long lived"})

	step := func(to domain.Status) domain.Bug {
		t.Helper()
		updated, err := e.UpdateBug(ctx, reporterActor, BugUpdateOptions{ID: b.ID, Status: &to})
		if err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
		return updated
	}
	step(domain.StatusInProgress)
	step(domain.StatusTesting)
	resolved := step(domain.StatusResolved)
	if resolved.ResolvedAt == nil {
		t.Fatal("resolved_at not set on first resolve")
	}
	first := *resolved.ResolvedAt

	reopened := step(domain.StatusOpen)
	if reopened.ResolvedAt == nil || *reopened.ResolvedAt != first {
		t.Fatal("resolved_at cleared or changed on reopen")
	}
	step(domain.StatusInProgress)
	step(domain.StatusTesting)
	again := step(domain.StatusResolved)
	if again.ResolvedAt == nil || *again.ResolvedAt != first {
		t.Fatal("resolved_at rewritten on second resolve")
	}
	closed := step(domain.StatusClosed)
	if closed.ClosedAt == nil {
		t.Fatal("closed_at not set on close")
	}
}

func TestAssignRules(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	b := mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "Assignment rules"})

	_, err := e.AssignBug(ctx, reporterActor, b.ID, "bob")
	var fe access.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("reporter assigning: expected ForbiddenError, got %v", err)
	}

	_, err = e.AssignBug(ctx, developerActor, b.ID, "dave")
	var ie InvalidAssigneeError
	if !errors.As(err, &ie) {
		t.Fatalf("assigning to reporter-role user: expected InvalidAssigneeError, got %v", err)
	}

	if _, err := e.AssignBug(ctx, developerActor, b.ID, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("assigning to missing user: expected ErrNotFound, got %v", err)
	}

	assigned, err := e.AssignBug(ctx, developerActor, b.ID, "bob")
	if err != nil {
		t.Fatalf("developer self-assign: %v", err)
	}
	if assigned.AssigneeID == nil || *assigned.AssigneeID != "bob" {
		t.Fatalf("assignee = %v, want bob", assigned.AssigneeID)
	}

	cleared, err := e.AssignBug(ctx, adminActor, b.ID, "")
	if err != nil {
		t.Fatalf("clear assignment: %v", err)
	}
	if cleared.AssigneeID != nil {
		t.Fatalf("assignee not cleared: %v", *cleared.AssigneeID)
	}
}

func TestToggleWatch(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	b := mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "Watch me"})

	state, err := e.ToggleWatch(ctx, developerActor, b.ID)
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if !state.IsWatching || state.WatchersCount != 1 {
		t.Fatalf("after first toggle: %+v", state)
	}

	state, err = e.ToggleWatch(ctx, reporterActor, b.ID)
	if err != nil {
		t.Fatalf("second watcher: %v", err)
	}
	if !state.IsWatching || state.WatchersCount != 2 {
		t.Fatalf("after second watcher: %+v", state)
	}

	state, err = e.ToggleWatch(ctx, developerActor, b.ID)
	if err != nil {
		t.Fatalf("untoggle: %v", err)
	}
	if state.IsWatching || state.WatchersCount != 1 {
		t.Fatalf("after untoggle: %+v", state)
	}

	watchers, err := e.Repo.ListWatchers(ctx, b.ID)
	if err != nil {
		t.Fatalf("list watchers: %v", err)
	}
	if len(watchers) != 1 || watchers[0] != "alice" {
		t.Fatalf("watchers = %v, want [alice]", watchers)
	}
}

func TestAddComment(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	b := mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "Discussion"})

	var ve ValidationError
	if _, err := e.AddComment(ctx, developerActor, b.ID, "   \n"); !errors.As(err, &ve) {
		t.Fatalf("blank comment: expected ValidationError, got %v", err)
	}

	first, err := e.AddComment(ctx, developerActor, b.ID, "looking into it")
	if err != nil {
		t.Fatalf("first comment: %v", err)
	}
	if first.AuthorID != "bob" {
		t.Fatalf("author = %s, want bob", first.AuthorID)
	}
	if _, err := e.AddComment(ctx, reporterActor, b.ID, "thanks"); err != nil {
		t.Fatalf("second comment: %v", err)
	}

	comments, err := e.Repo.ListComments(ctx, b.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 2 || comments[0].Content != "looking into it" || comments[1].Content != "thanks" {
		t.Fatalf("comments out of order: %+v", comments)
	}
}

func TestDeleteBugOnlyReporterOrAdmin(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	b := mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "Delete me"})
	if _, err := e.AssignBug(ctx, developerActor, b.ID, "bob"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	var fe access.ForbiddenError
	if err := e.DeleteBug(ctx, developerActor, b.ID); !errors.As(err, &fe) {
		t.Fatalf("assignee delete: expected ForbiddenError, got %v", err)
	}
	if err := e.DeleteBug(ctx, reporterActor, b.ID); err != nil {
		t.Fatalf("reporter delete: %v", err)
	}
	if _, err := e.Repo.GetBug(ctx, b.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	pastDue := "2025-02-01T00:00:00Z"
	futureDue := "2025-04-01T00:00:00Z"

	b1 := mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "one", Priority: domain.PriorityHigh, DueDate: pastDue})
	mustCreateBug(t, e, reporterActor, BugCreateOptions{Title: "two", Priority: domain.PriorityLow, DueDate: futureDue})
	b3 := mustCreateBug(t, e, developerActor, BugCreateOptions{Title: "three", Priority: domain.PriorityHigh, DueDate: pastDue})

	inProgress := domain.StatusInProgress
	if _, err := e.UpdateBug(ctx, reporterActor, BugUpdateOptions{ID: b1.ID, Status: &inProgress}); err != nil {
		t.Fatalf("move b1: %v", err)
	}
	// b3 runs to closed: its past due date no longer counts as overdue.
	for _, to := range []domain.Status{domain.StatusInProgress, domain.StatusTesting, domain.StatusResolved, domain.StatusClosed} {
		st := to
		if _, err := e.UpdateBug(ctx, developerActor, BugUpdateOptions{ID: b3.ID, Status: &st}); err != nil {
			t.Fatalf("move b3 to %s: %v", to, err)
		}
	}

	stats, err := e.Statistics(ctx, reporterActor)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[domain.StatusOpen] != 1 || stats.ByStatus[domain.StatusInProgress] != 1 || stats.ByStatus[domain.StatusClosed] != 1 {
		t.Fatalf("by_status = %v", stats.ByStatus)
	}
	if stats.ByStatus[domain.StatusTesting] != 0 || stats.ByStatus[domain.StatusResolved] != 0 {
		t.Fatalf("zero statuses missing or wrong: %v", stats.ByStatus)
	}
	if stats.ByPriority[domain.PriorityHigh] != 2 || stats.ByPriority[domain.PriorityLow] != 1 || stats.ByPriority[domain.PriorityCritical] != 0 {
		t.Fatalf("by_priority = %v", stats.ByPriority)
	}
	if stats.Overdue != 1 {
		t.Fatalf("overdue = %d, want 1 (b1 past due, b3 closed)", stats.Overdue)
	}
	if stats.Mine != 2 {
		t.Fatalf("mine = %d, want 2 for alice", stats.Mine)
	}
}

func TestUserManagement(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var fe access.ForbiddenError
	_, err := e.CreateUser(ctx, developerActor, UserCreateOptions{ID: "eve", Name: "Eve", Role: domain.RoleDeveloper})
	if !errors.As(err, &fe) {
		t.Fatalf("non-admin create user: expected ForbiddenError, got %v", err)
	}
	created, err := e.CreateUser(ctx, adminActor, UserCreateOptions{ID: "eve", Name: "Eve", Role: domain.RoleDeveloper})
	if err != nil {
		t.Fatalf("admin create user: %v", err)
	}
	if created.Role != domain.RoleDeveloper {
		t.Fatalf("role = %s", created.Role)
	}

	name := "Eve Adams"
	role := domain.RoleAdmin
	updated, err := e.UpdateUser(ctx, access.Actor{ID: "eve", Role: domain.RoleDeveloper}, UserUpdateOptions{ID: "eve", Name: &name, Role: &role})
	if err != nil {
		t.Fatalf("self update: %v", err)
	}
	if updated.Name != "Eve Adams" {
		t.Fatalf("name = %s", updated.Name)
	}
	if updated.Role != domain.RoleDeveloper {
		t.Fatalf("self-service role escalation applied: %s", updated.Role)
	}

	promoted, err := e.UpdateUser(ctx, adminActor, UserUpdateOptions{ID: "eve", Role: &role})
	if err != nil {
		t.Fatalf("admin role change: %v", err)
	}
	if promoted.Role != domain.RoleAdmin {
		t.Fatalf("role = %s, want admin", promoted.Role)
	}

	if err := e.DeleteUser(ctx, developerActor, "eve"); !errors.As(err, &fe) {
		t.Fatalf("non-admin delete: expected ForbiddenError, got %v", err)
	}
	if err := e.DeleteUser(ctx, adminActor, "eve"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestIssueAPIKey(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var fe access.ForbiddenError
	if _, _, err := e.IssueAPIKey(ctx, developerActor, "alice", "ci"); !errors.As(err, &fe) {
		t.Fatalf("issuing for another user: expected ForbiddenError, got %v", err)
	}
	key, plaintext, err := e.IssueAPIKey(ctx, developerActor, "bob", "ci")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	if plaintext == "" || key.KeyHash == plaintext {
		t.Fatal("plaintext key missing or stored unhashed")
	}
	found, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plaintext))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if found.UserID != "bob" {
		t.Fatalf("key user = %s, want bob", found.UserID)
	}
}
