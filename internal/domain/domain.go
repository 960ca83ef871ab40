package domain

// Role is the coarse authorization role attached to a user.
type Role string

const (
	RoleReporter  Role = "reporter"
	RoleDeveloper Role = "developer"
	RoleAdmin     Role = "admin"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleReporter, RoleDeveloper, RoleAdmin:
		return true
	}
	return false
}

// Assignable reports whether a user with this role may hold bug assignments.
func (r Role) Assignable() bool {
	return r == RoleDeveloper || r == RoleAdmin
}

// Status is a bug lifecycle status. The legal moves between statuses live in
// the engine transition table.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusTesting    Status = "testing"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusTesting, StatusResolved, StatusClosed}

// Priority is a bug severity bucket.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities lists every priority from least to most urgent.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Valid reports whether the priority is one of the known buckets.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      Role   `json:"role" enum:"reporter,developer,admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ReproStep is one step of a bug's reproduction recipe. Order is the
// caller-supplied position; steps are stored and returned sorted by it.
type ReproStep struct {
	Order int    `json:"order"`
	Text  string `json:"text"`
}

type Bug struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Status           Status      `json:"status" enum:"open,in-progress,testing,resolved,closed"`
	Priority         Priority    `json:"priority" enum:"low,medium,high,critical"`
	Reporter         string      `json:"reporter"`
	AssigneeID       *string     `json:"assignee_id,omitempty"`
	DueDate          *string     `json:"due_date,omitempty" format:"date-time"`
	StepsToReproduce []ReproStep `json:"steps_to_reproduce,omitempty"`
	Watchers         []string    `json:"watchers,omitempty"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	UpdatedAt        string      `json:"updated_at" format:"date-time"`
	ResolvedAt       *string     `json:"resolved_at,omitempty" format:"date-time"`
	ClosedAt         *string     `json:"closed_at,omitempty" format:"date-time"`
}

type Comment struct {
	ID        string `json:"id"`
	BugID     string `json:"bug_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Stats is the aggregate snapshot served by the statistics endpoint. ByStatus
// and ByPriority carry a key for every known value, including zero counts.
type Stats struct {
	Total      int              `json:"total"`
	ByStatus   map[Status]int   `json:"by_status"`
	ByPriority map[Priority]int `json:"by_priority"`
	Overdue    int              `json:"overdue"`
	Mine       int              `json:"mine"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
