// Package access decides whether an actor may perform an action on a
// resource. The rule set is a fixed decision table keyed by resource kind and
// action; there is no runtime policy configuration.
package access

import (
	"fmt"

	"bugline/internal/domain"
)

// Kind names the resource family a rule applies to.
type Kind string

const (
	KindBug  Kind = "bug"
	KindUser Kind = "user"
)

// Action names an operation on a resource.
type Action string

const (
	ActionRead    Action = "read"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionAssign  Action = "assign"
	ActionComment Action = "comment"
	ActionWatch   Action = "watch"
)

// Actor is the authenticated identity a decision is made for.
type Actor struct {
	ID   string
	Role domain.Role
}

// Resource carries the identity facts of the resource under decision. For
// bugs, ReporterID and AssigneeID; for users, UserID. Zero values mean the
// fact does not apply (a bug with no assignee, a create with no target).
type Resource struct {
	ReporterID string
	AssigneeID string
	UserID     string
}

// ForbiddenError reports a denied decision.
type ForbiddenError struct {
	Kind   Kind
	Action Action
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor may not %s %s", e.Action, e.Kind)
}

type rule func(Actor, Resource) bool

func anyAuthenticated(a Actor, _ Resource) bool { return a.ID != "" }

// rules is the decision table. Admin is handled before the table is
// consulted; entries describe non-admin actors only. A missing entry denies.
var rules = map[Kind]map[Action]rule{
	KindBug: {
		ActionRead: anyAuthenticated,
		ActionCreate: func(a Actor, _ Resource) bool {
			return a.Role == domain.RoleReporter || a.Role == domain.RoleDeveloper
		},
		ActionUpdate: func(a Actor, r Resource) bool {
			return a.ID == r.ReporterID || (r.AssigneeID != "" && a.ID == r.AssigneeID)
		},
		ActionDelete:  func(a Actor, r Resource) bool { return a.ID == r.ReporterID },
		ActionAssign:  func(a Actor, _ Resource) bool { return a.Role == domain.RoleDeveloper },
		ActionComment: anyAuthenticated,
		ActionWatch:   anyAuthenticated,
	},
	KindUser: {
		ActionRead:   anyAuthenticated,
		ActionUpdate: func(a Actor, r Resource) bool { return a.ID == r.UserID },
		// create and delete have no entry: admin only.
	},
}

// CanAct reports whether the actor may perform action on the resource.
// Admins are always permitted. Unknown kinds and actions are denied.
func CanAct(actor Actor, kind Kind, res Resource, action Action) bool {
	if actor.ID == "" {
		return false
	}
	if actor.Role == domain.RoleAdmin {
		return true
	}
	actions, ok := rules[kind]
	if !ok {
		return false
	}
	r, ok := actions[action]
	if !ok {
		return false
	}
	return r(actor, res)
}

// Ensure returns a ForbiddenError when CanAct denies.
func Ensure(actor Actor, kind Kind, res Resource, action Action) error {
	if CanAct(actor, kind, res, action) {
		return nil
	}
	return ForbiddenError{Kind: kind, Action: action}
}
