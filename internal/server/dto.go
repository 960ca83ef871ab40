package server

import (
	"encoding/json"

	"bugline/internal/domain"
)

// Request payloads. Write requests tolerate unknown properties: the
// allow-listed fields below are bound and everything else is dropped, so a
// client sending read-only fields like reporter or created_at gets them
// silently stripped rather than rejected.

type ReproStepRequest struct {
	Order int    `json:"order"`
	Text  string `json:"text"`
}

type CreateBugRequest struct {
	Title            string             `json:"title"`
	Description      *string            `json:"description,omitempty"`
	Priority         *domain.Priority   `json:"priority,omitempty" enum:"low,medium,high,critical"`
	DueDate          *string            `json:"due_date,omitempty" format:"date-time"`
	StepsToReproduce []ReproStepRequest `json:"steps_to_reproduce,omitempty"`

	_ struct{} `json:"-" additionalProperties:"true"`
}

type UpdateBugRequest struct {
	Title            *string             `json:"title,omitempty"`
	Description      *string             `json:"description,omitempty"`
	Status           *domain.Status      `json:"status,omitempty" enum:"open,in-progress,testing,resolved,closed"`
	Priority         *domain.Priority    `json:"priority,omitempty" enum:"low,medium,high,critical"`
	DueDate          *string             `json:"due_date,omitempty" format:"date-time"`
	StepsToReproduce *[]ReproStepRequest `json:"steps_to_reproduce,omitempty"`

	_ struct{} `json:"-" additionalProperties:"true"`
}

type AssignBugRequest struct {
	AssigneeID string `json:"assignee_id"`

	_ struct{} `json:"-" additionalProperties:"true"`
}

type AddCommentRequest struct {
	Content string `json:"content"`

	_ struct{} `json:"-" additionalProperties:"true"`
}

type CreateUserRequest struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Role domain.Role `json:"role" enum:"reporter,developer,admin"`

	_ struct{} `json:"-" additionalProperties:"true"`
}

type UpdateUserRequest struct {
	Name *string      `json:"name,omitempty"`
	Role *domain.Role `json:"role,omitempty" enum:"reporter,developer,admin"`

	_ struct{} `json:"-" additionalProperties:"true"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`

	_ struct{} `json:"-" additionalProperties:"true"`
}

type LoginRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// Response payloads

type ReproStepResponse struct {
	Order int    `json:"order"`
	Text  string `json:"text"`
}

type BugResponse struct {
	ID               string              `json:"id"`
	Title            string              `json:"title"`
	Description      string              `json:"description,omitempty"`
	Status           domain.Status       `json:"status" enum:"open,in-progress,testing,resolved,closed"`
	Priority         domain.Priority     `json:"priority" enum:"low,medium,high,critical"`
	Reporter         string              `json:"reporter"`
	AssigneeID       *string             `json:"assignee_id,omitempty"`
	DueDate          *string             `json:"due_date,omitempty" format:"date-time"`
	StepsToReproduce []ReproStepResponse `json:"steps_to_reproduce"`
	Watchers         []string            `json:"watchers"`
	CreatedAt        string              `json:"created_at" format:"date-time"`
	UpdatedAt        string              `json:"updated_at" format:"date-time"`
	ResolvedAt       *string             `json:"resolved_at,omitempty" format:"date-time"`
	ClosedAt         *string             `json:"closed_at,omitempty" format:"date-time"`
}

type CommentResponse struct {
	ID        string `json:"id"`
	BugID     string `json:"bug_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type UserResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Role      domain.Role `json:"role" enum:"reporter,developer,admin"`
	CreatedAt string      `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type WatchResponse struct {
	IsWatching    bool `json:"is_watching"`
	WatchersCount int  `json:"watchers_count"`
}

type StatsResponse struct {
	Total      int                     `json:"total"`
	ByStatus   map[domain.Status]int   `json:"by_status"`
	ByPriority map[domain.Priority]int `json:"by_priority"`
	Overdue    int                     `json:"overdue"`
	Mine       int                     `json:"mine"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	UserID string      `json:"user_id"`
	Role   domain.Role `json:"role" enum:"reporter,developer,admin"`
	Source string      `json:"source"`
}

type paginatedBugs struct {
	Items      []BugResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func bugResponse(b domain.Bug) BugResponse {
	steps := make([]ReproStepResponse, 0, len(b.StepsToReproduce))
	for _, s := range b.StepsToReproduce {
		steps = append(steps, ReproStepResponse(s))
	}
	return BugResponse{
		ID:               b.ID,
		Title:            b.Title,
		Description:      b.Description,
		Status:           b.Status,
		Priority:         b.Priority,
		Reporter:         b.Reporter,
		AssigneeID:       b.AssigneeID,
		DueDate:          b.DueDate,
		StepsToReproduce: steps,
		Watchers:         nonNilSlice(b.Watchers),
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
		ResolvedAt:       b.ResolvedAt,
		ClosedAt:         b.ClosedAt,
	}
}

func mapBugs(items []domain.Bug) []BugResponse {
	res := make([]BugResponse, 0, len(items))
	for _, b := range items {
		res = append(res, bugResponse(b))
	}
	return res
}

func commentResponse(c domain.Comment) CommentResponse {
	return CommentResponse(c)
}

func mapComments(items []domain.Comment) []CommentResponse {
	res := make([]CommentResponse, 0, len(items))
	for _, c := range items {
		res = append(res, commentResponse(c))
	}
	return res
}

func userResponse(u domain.User) UserResponse {
	return UserResponse(u)
}

func mapUsers(items []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(items))
	for _, u := range items {
		res = append(res, userResponse(u))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func statsResponse(s domain.Stats) StatsResponse {
	return StatsResponse(s)
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
