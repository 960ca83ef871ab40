package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"bugline/internal/domain"
	"bugline/internal/engine/access"
	"bugline/internal/events"
	"bugline/internal/repo"
)

// UserCreateOptions are parameters for creating a user.
type UserCreateOptions struct {
	ID   string
	Name string
	Role domain.Role
}

func (e Engine) CreateUser(ctx context.Context, actor access.Actor, opts UserCreateOptions) (domain.User, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return domain.User{}, ValidationError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.User{}, ValidationError{Field: "name", Reason: "is required"}
	}
	if !opts.Role.Valid() {
		return domain.User{}, ValidationError{Field: "role", Reason: "must be one of reporter, developer, admin"}
	}
	if err := access.Ensure(actor, access.KindUser, access.Resource{}, access.ActionCreate); err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:        id,
		Name:      strings.TrimSpace(opts.Name),
		Role:      opts.Role,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return u, err
	}
	if err := e.Events.Append(ctx, tx, "user.created", "user", u.ID, actor.ID, events.EventPayload{
		"role": u.Role,
	}); err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	return u, nil
}

// UserUpdateOptions encapsulates allowed user updates. A role change is only
// honored for admin actors; non-admins updating themselves have it dropped
// silently, like other stripped fields.
type UserUpdateOptions struct {
	ID   string
	Name *string
	Role *domain.Role
}

func (e Engine) UpdateUser(ctx context.Context, actor access.Actor, opts UserUpdateOptions) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, opts.ID)
	if err != nil {
		return u, err
	}
	if err := access.Ensure(actor, access.KindUser, access.Resource{UserID: u.ID}, access.ActionUpdate); err != nil {
		return u, err
	}
	if opts.Name != nil {
		name := strings.TrimSpace(*opts.Name)
		if name == "" {
			return u, ValidationError{Field: "name", Reason: "must not be empty"}
		}
		u.Name = name
	}
	if opts.Role != nil && actor.Role == domain.RoleAdmin {
		if !opts.Role.Valid() {
			return u, ValidationError{Field: "role", Reason: "must be one of reporter, developer, admin"}
		}
		u.Role = *opts.Role
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateUser(ctx, tx, u); err != nil {
		return u, err
	}
	if err := e.Events.Append(ctx, tx, "user.updated", "user", u.ID, actor.ID, events.EventPayload{
		"role": u.Role,
	}); err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	return u, nil
}

func (e Engine) DeleteUser(ctx context.Context, actor access.Actor, id string) error {
	u, err := e.Repo.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if err := access.Ensure(actor, access.KindUser, access.Resource{UserID: u.ID}, access.ActionDelete); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteUser(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "user.deleted", "user", id, actor.ID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// IssueAPIKey mints an API key for a user and returns the plaintext key once.
// Only the hash is stored. Permitted for the user themselves or an admin.
func (e Engine) IssueAPIKey(ctx context.Context, actor access.Actor, userID, name string) (domain.APIKey, string, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	if err := access.Ensure(actor, access.KindUser, access.Resource{UserID: u.ID}, access.ActionUpdate); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	plaintext := hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    u.ID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return key, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return key, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "user", u.ID, actor.ID, events.EventPayload{
		"key_id": key.ID,
	}); err != nil {
		return key, "", err
	}
	if err := tx.Commit(); err != nil {
		return key, "", err
	}
	return key, plaintext, nil
}
