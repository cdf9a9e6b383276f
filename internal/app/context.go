package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures it exists in
// the database, seeding a default if missing. It prefers the override, then
// the workspace config, then a single-project database.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	projectID := projectOverride
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProject(ctx, r, projectID, cfg.Project.Name); err != nil {
			return "", nil, err
		}
	}
	return projectID, cfg, nil
}

func createProject(ctx context.Context, r repo.Repo, projectID, name string) error {
	if name == "" {
		name = projectID
	}
	p := domain.Project{
		ID:        projectID,
		Name:      name,
		Status:    "active",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return r.InsertProject(ctx, p)
}
