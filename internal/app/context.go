package app

import (
	"context"
	"fmt"
	"time"

	"bugline/internal/config"
	"bugline/internal/domain"
	"bugline/internal/engine/access"
	"bugline/internal/repo"
)

// ResolveConfig loads the workspace config, falling back to built-in defaults
// when no bugline.yml exists.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("bugline")
	}
	return cfg, nil
}

// SeedAdmin inserts a bootstrap admin user when the tracker has no users yet,
// so there is always an actor able to create the rest. No-op otherwise.
func SeedAdmin(ctx context.Context, r repo.Repo, id, name string) error {
	n, err := r.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if id == "" {
		id = "admin"
	}
	if name == "" {
		name = "Administrator"
	}
	return r.InsertUser(ctx, nil, domain.User{
		ID:        id,
		Name:      name,
		Role:      domain.RoleAdmin,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// ResolveActor looks up the acting user and returns it as an access actor.
func ResolveActor(ctx context.Context, r repo.Repo, actorID string) (access.Actor, error) {
	if actorID == "" {
		return access.Actor{}, fmt.Errorf("actor not specified; use --actor-id")
	}
	u, err := r.GetUser(ctx, actorID)
	if err != nil {
		return access.Actor{}, fmt.Errorf("resolve actor %s: %w", actorID, err)
	}
	return access.Actor{ID: u.ID, Role: u.Role}, nil
}
