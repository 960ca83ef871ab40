package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"testing"
	"time"

	"bugline/internal/config"
	"bugline/internal/db"
	"bugline/internal/domain"
	"bugline/internal/engine"
	"bugline/internal/engine/access"
	"bugline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("bugline"))
	ctx := context.Background()
	seed := []domain.User{
		{ID: "alice", Name: "Alice", Role: domain.RoleReporter},
		{ID: "bob", Name: "Bob", Role: domain.RoleDeveloper},
		{ID: "carol", Name: "Carol", Role: domain.RoleAdmin},
	}
	for _, u := range seed {
		u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.InsertUser(ctx, nil, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authFor(t *testing.T, id string, role domain.Role) map[string]string {
	t.Helper()
	token, err := signToken(domain.User{ID: id, Role: role}, testJWTSecret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createBug(t *testing.T, srv *testServer, headers map[string]string, body map[string]any) BugResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bugs", body, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create bug status %d: %s", res.StatusCode, string(data))
	}
	var bug BugResponse
	if err := json.Unmarshal(data, &bug); err != nil {
		t.Fatalf("unmarshal bug: %v", err)
	}
	return bug
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/bugs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("error code = %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d: %s", res.StatusCode, string(data))
	}
}

func TestLoginFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	_, plaintext, err := srv.Engine.IssueAPIKey(ctx, access.Actor{ID: "carol", Role: domain.RoleAdmin}, "alice", "cli")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"user_id": "alice",
		"api_key": plaintext,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var login LoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("login returned empty token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.UserID != "alice" || who.Role != domain.RoleReporter {
		t.Fatalf("me = %+v", who)
	}

	// A key used by the wrong user is rejected.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"user_id": "bob",
		"api_key": plaintext,
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("login with mismatched user: %d %s", res.StatusCode, string(data))
	}
}

func TestCreateBugForcesReporterAndStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	bug := createBug(t, srv, authFor(t, "alice", domain.RoleReporter), map[string]any{
		"title":    "Crash on save",
		"reporter": "mallory",
		"status":   "closed",
		"priority": "high",
	})
	if bug.Reporter != "alice" {
		t.Fatalf("reporter = %s, want alice", bug.Reporter)
	}
	if bug.Status != domain.StatusOpen {
		t.Fatalf("status = %s, want open", bug.Status)
	}
	if bug.Priority != domain.PriorityHigh {
		t.Fatalf("priority = %s, want high", bug.Priority)
	}
}

func TestUpdateStripsReadOnlyFields(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := authFor(t, "alice", domain.RoleReporter)
	bug := createBug(t, srv, alice, map[string]any{"title": "Original"})

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/bugs/"+bug.ID, map[string]any{
		"title":      "Renamed",
		"reporter":   "mallory",
		"created_at": "1999-01-01T00:00:00Z",
		"comments":   []string{"injected"},
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var updated BugResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal bug: %v", err)
	}
	if updated.Title != "Renamed" {
		t.Fatalf("title = %s", updated.Title)
	}
	if updated.Reporter != "alice" {
		t.Fatalf("reporter changed to %s", updated.Reporter)
	}
	if updated.CreatedAt != bug.CreatedAt {
		t.Fatalf("created_at changed from %s to %s", bug.CreatedAt, updated.CreatedAt)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := authFor(t, "alice", domain.RoleReporter)
	bug := createBug(t, srv, alice, map[string]any{"title": "Jump the queue"})

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/bugs/"+bug.ID, map[string]any{
		"status": "resolved",
	}, alice)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("error code = %s", code)
	}
}

func TestUpdateForbiddenForBystander(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := authFor(t, "alice", domain.RoleReporter)
	bob := authFor(t, "bob", domain.RoleDeveloper)
	bug := createBug(t, srv, alice, map[string]any{"title": "Not yours"})

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/bugs/"+bug.ID, map[string]any{
		"title": "Hijacked",
	}, bob)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("error code = %s", code)
	}
}

func TestAssignEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := authFor(t, "alice", domain.RoleReporter)
	bob := authFor(t, "bob", domain.RoleDeveloper)
	bug := createBug(t, srv, alice, map[string]any{"title": "Needs an owner"})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bugs/"+bug.ID+"/assign", map[string]any{
		"assignee_id": "alice",
	}, bob)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("assign to reporter role: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_assignee" {
		t.Fatalf("error code = %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bugs/"+bug.ID+"/assign", map[string]any{
		"assignee_id": "ghost",
	}, bob)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("assign to missing user: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bugs/"+bug.ID+"/assign", map[string]any{
		"assignee_id": "bob",
	}, bob)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, string(data))
	}
	var assigned BugResponse
	if err := json.Unmarshal(data, &assigned); err != nil {
		t.Fatalf("unmarshal bug: %v", err)
	}
	if assigned.AssigneeID == nil || *assigned.AssigneeID != "bob" {
		t.Fatalf("assignee = %v", assigned.AssigneeID)
	}
}

func TestWatchToggleEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := authFor(t, "alice", domain.RoleReporter)
	bob := authFor(t, "bob", domain.RoleDeveloper)
	bug := createBug(t, srv, alice, map[string]any{"title": "Watch me"})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bugs/"+bug.ID+"/watch", nil, bob)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("watch: %d %s", res.StatusCode, string(data))
	}
	var state WatchResponse
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal watch: %v", err)
	}
	if !state.IsWatching || state.WatchersCount != 1 {
		t.Fatalf("after first toggle: %+v", state)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bugs/"+bug.ID+"/watch", nil, bob)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unwatch: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal watch: %v", err)
	}
	if state.IsWatching || state.WatchersCount != 0 {
		t.Fatalf("after second toggle: %+v", state)
	}
}

func TestBugListPaginationCoversAll(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := authFor(t, "alice", domain.RoleReporter)

	want := map[string]bool{}
	for _, title := range []string{"first", "second", "third"} {
		bug := createBug(t, srv, alice, map[string]any{"title": title})
		want[bug.ID] = true
	}

	seen := map[string]bool{}
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > len(want) {
			t.Fatalf("pagination did not terminate after %d pages", pages)
		}
		url := srv.URL + "/v1/bugs?limit=1"
		if cursor != "" {
			url += "&cursor=" + neturl.QueryEscape(cursor)
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, alice)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list: %d %s", res.StatusCode, string(data))
		}
		var page paginatedBugs
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, b := range page.Items {
			if seen[b.ID] {
				t.Fatalf("bug %s returned twice", b.ID)
			}
			if !want[b.ID] {
				t.Fatalf("unexpected bug %s", b.ID)
			}
			seen[b.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != len(want) {
		t.Fatalf("paging limit=1 returned %d distinct bugs, want %d", len(seen), len(want))
	}
}

func TestDueDateNullClears(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := authFor(t, "alice", domain.RoleReporter)
	bug := createBug(t, srv, alice, map[string]any{
		"title":    "Deadline",
		"due_date": "2026-12-31T00:00:00Z",
	})
	if bug.DueDate == nil {
		t.Fatal("due_date not set on create")
	}

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/bugs/"+bug.ID, map[string]any{
		"due_date": nil,
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var updated BugResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal bug: %v", err)
	}
	if updated.DueDate != nil {
		t.Fatalf("due_date not cleared: %v", *updated.DueDate)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := authFor(t, "alice", domain.RoleReporter)
	createBug(t, srv, alice, map[string]any{"title": "one", "priority": "high"})
	createBug(t, srv, alice, map[string]any{"title": "two"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/stats", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", res.StatusCode, string(data))
	}
	var stats StatsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Total != 2 || stats.Mine != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(stats.ByStatus) != len(domain.Statuses) {
		t.Fatalf("by_status missing keys: %v", stats.ByStatus)
	}
	if len(stats.ByPriority) != len(domain.Priorities) {
		t.Fatalf("by_priority missing keys: %v", stats.ByPriority)
	}
	if stats.ByStatus[domain.StatusOpen] != 2 || stats.ByPriority[domain.PriorityHigh] != 1 {
		t.Fatalf("stats counts wrong: %+v", stats)
	}
}

func TestUserAdminOnlyCreate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	bob := authFor(t, "bob", domain.RoleDeveloper)
	carol := authFor(t, "carol", domain.RoleAdmin)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"id": "eve", "name": "Eve", "role": "developer",
	}, bob)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin create user: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"id": "eve", "name": "Eve", "role": "developer",
	}, carol)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("admin create user: %d %s", res.StatusCode, string(data))
	}
	var u UserResponse
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	if u.ID != "eve" || u.Role != domain.RoleDeveloper {
		t.Fatalf("user = %+v", u)
	}
}
