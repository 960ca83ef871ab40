package buglinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bugline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ReproStep is one reproduction step, ordered by Order.
type ReproStep struct {
	Order int    `json:"order"`
	Text  string `json:"text"`
}

// Bug represents the API bug model.
type Bug struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Status           string      `json:"status"`
	Priority         string      `json:"priority"`
	Reporter         string      `json:"reporter"`
	AssigneeID       *string     `json:"assignee_id,omitempty"`
	DueDate          *string     `json:"due_date,omitempty"`
	StepsToReproduce []ReproStep `json:"steps_to_reproduce"`
	Watchers         []string    `json:"watchers"`
	CreatedAt        string      `json:"created_at"`
	UpdatedAt        string      `json:"updated_at"`
	ResolvedAt       *string     `json:"resolved_at,omitempty"`
	ClosedAt         *string     `json:"closed_at,omitempty"`
}

// Comment is a bug comment.
type Comment struct {
	ID        string `json:"id"`
	BugID     string `json:"bug_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// User is a tracker user.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// WatchState is the result of toggling a watch.
type WatchState struct {
	IsWatching    bool `json:"is_watching"`
	WatchersCount int  `json:"watchers_count"`
}

// Stats is the aggregate tracker snapshot.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByPriority map[string]int `json:"by_priority"`
	Overdue    int            `json:"overdue"`
	Mine       int            `json:"mine"`
}

// Event is a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// WhoAmI describes the authenticated principal.
type WhoAmI struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Source string `json:"source"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedBugs wraps bug listings with cursors.
type PaginatedBugs struct {
	Items      []Bug  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Login exchanges an API key for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, userID, apiKey string) error {
	body := map[string]any{
		"user_id": userID,
		"api_key": apiKey,
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v1/auth/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// Me returns the authenticated principal.
func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "v1/me", nil, &resp)
	return resp, err
}

// CreateBug reports a bug. Extra fields beyond these are server-assigned.
func (c *Client) CreateBug(ctx context.Context, title string, fields map[string]any) (Bug, error) {
	body := map[string]any{"title": title}
	for k, v := range fields {
		body[k] = v
	}
	var resp Bug
	err := c.do(ctx, http.MethodPost, "v1/bugs", body, &resp)
	return resp, err
}

// GetBug fetches a bug by id.
func (c *Client) GetBug(ctx context.Context, id string) (Bug, error) {
	var resp Bug
	err := c.do(ctx, http.MethodGet, bugPath(id, ""), nil, &resp)
	return resp, err
}

// ListBugs returns a page of bugs. Filters accepts status, priority,
// reporter, and assignee_id keys.
func (c *Client) ListBugs(ctx context.Context, filters map[string]string, limit int, cursor string) (PaginatedBugs, error) {
	q := url.Values{}
	for k, v := range filters {
		if v != "" {
			q.Set(k, v)
		}
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/bugs"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedBugs
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateBug patches a bug with the given fields.
func (c *Client) UpdateBug(ctx context.Context, id string, fields map[string]any) (Bug, error) {
	var resp Bug
	err := c.do(ctx, http.MethodPatch, bugPath(id, ""), fields, &resp)
	return resp, err
}

// DeleteBug removes a bug.
func (c *Client) DeleteBug(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, bugPath(id, ""), nil, nil)
}

// AssignBug sets the assignee; an empty assigneeID clears the assignment.
func (c *Client) AssignBug(ctx context.Context, id, assigneeID string) (Bug, error) {
	body := map[string]any{"assignee_id": assigneeID}
	var resp Bug
	err := c.do(ctx, http.MethodPost, bugPath(id, "assign"), body, &resp)
	return resp, err
}

// AddComment comments on a bug.
func (c *Client) AddComment(ctx context.Context, id, content string) (Comment, error) {
	body := map[string]any{"content": content}
	var resp Comment
	err := c.do(ctx, http.MethodPost, bugPath(id, "comments"), body, &resp)
	return resp, err
}

// ListComments returns a bug's comments in insertion order.
func (c *Client) ListComments(ctx context.Context, id string) ([]Comment, error) {
	var resp []Comment
	err := c.do(ctx, http.MethodGet, bugPath(id, "comments"), nil, &resp)
	return resp, err
}

// ToggleWatch flips the caller's watch state on a bug.
func (c *Client) ToggleWatch(ctx context.Context, id string) (WatchState, error) {
	var resp WatchState
	err := c.do(ctx, http.MethodPost, bugPath(id, "watch"), nil, &resp)
	return resp, err
}

// Stats returns the aggregate tracker snapshot.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "v1/stats", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func bugPath(id, sub string) string {
	p := fmt.Sprintf("v1/bugs/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
