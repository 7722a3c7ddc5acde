package project

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fernworks/loom/internal/apperr"
	"github.com/fernworks/loom/internal/db"
	"github.com/fernworks/loom/pkg/rbac"
)

// Service encapsulates project business logic and visibility enforcement.
type Service struct {
	store        *Store
	resolver     *rbac.Resolver
	gitReposPath string
	logger       *slog.Logger
}

// NewService creates a project Service.
func NewService(dbtx db.DBTX, rdb *redis.Client, gitReposPath string, logger *slog.Logger) *Service {
	return &Service{
		store:        NewStore(dbtx),
		resolver:     rbac.NewResolver(dbtx, rdb, logger),
		gitReposPath: gitReposPath,
		logger:       logger,
	}
}

// Store exposes the underlying store for other domains that read projects.
func (s *Service) Store() *Store { return s.store }

// CanRead applies the visibility rules: public projects are readable by
// anyone, internal by any authenticated user, private only by the owner or
// holders of project:read in the project scope.
func (s *Service) CanRead(ctx context.Context, userID uuid.UUID, p Row) (bool, error) {
	switch p.Visibility {
	case VisibilityPublic, VisibilityInternal:
		return true, nil
	default:
		if p.OwnerID == userID {
			return true, nil
		}
		return s.resolver.HasPermission(ctx, userID, &p.ID, rbac.PermProjectRead)
	}
}

// GetReadable loads a project and enforces visibility, hiding the existence
// of unreadable private projects behind a 404.
func (s *Service) GetReadable(ctx context.Context, userID, projectID uuid.UUID) (Row, error) {
	p, err := s.store.Get(ctx, projectID)
	if err != nil {
		return Row{}, apperr.FromDB(err, "project")
	}
	ok, err := s.CanRead(ctx, userID, p)
	if err != nil {
		return Row{}, apperr.Internal(err)
	}
	if !ok {
		return Row{}, apperr.NotFound("project")
	}
	return p, nil
}

// List returns projects visible to the user.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Response, int64, error) {
	rows, total, err := s.store.ListVisible(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}
	items := make([]Response, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].ToResponse())
	}
	return items, total, nil
}

// Create creates a project owned by the caller with a bare repo path derived
// from the name.
func (s *Service) Create(ctx context.Context, ownerID uuid.UUID, req CreateRequest) (Response, error) {
	visibility := req.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	branch := req.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	slug := Slug(req.Name)
	if slug == "" {
		return Response{}, apperr.BadRequest("project name must contain at least one alphanumeric character")
	}

	row, err := s.store.Create(ctx, CreateParams{
		OwnerID:       ownerID,
		Name:          req.Name,
		Description:   req.Description,
		Visibility:    visibility,
		DefaultBranch: branch,
		RepoPath:      filepath.Join(s.gitReposPath, slug+".git"),
	})
	if err != nil {
		return Response{}, apperr.FromDB(err, "project")
	}
	s.logger.Info("project created", "project_id", row.ID, "name", row.Name, "owner_id", ownerID)
	return row.ToResponse(), nil
}

// Update patches a project; requires ownership or project:write.
func (s *Service) Update(ctx context.Context, userID, projectID uuid.UUID, req UpdateRequest) (Response, error) {
	if err := s.requireWrite(ctx, userID, projectID); err != nil {
		return Response{}, err
	}
	row, err := s.store.Update(ctx, projectID, UpdateParams{
		Description:   req.Description,
		Visibility:    req.Visibility,
		DefaultBranch: req.DefaultBranch,
	})
	if err != nil {
		return Response{}, apperr.FromDB(err, "project")
	}
	return row.ToResponse(), nil
}

// Delete soft-deletes a project; requires ownership or project:delete.
func (s *Service) Delete(ctx context.Context, userID, projectID uuid.UUID) error {
	p, err := s.GetReadable(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if p.OwnerID != userID {
		ok, err := s.resolver.HasPermission(ctx, userID, &projectID, rbac.PermProjectDelete)
		if err != nil {
			return apperr.Internal(err)
		}
		if !ok {
			return apperr.Forbidden()
		}
	}
	if err := s.store.SoftDelete(ctx, projectID); err != nil {
		return apperr.FromDB(err, "project")
	}
	s.logger.Info("project deleted", "project_id", projectID)
	return nil
}

func (s *Service) requireWrite(ctx context.Context, userID, projectID uuid.UUID) error {
	p, err := s.GetReadable(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if p.OwnerID == userID {
		return nil
	}
	ok, err := s.resolver.HasPermission(ctx, userID, &projectID, rbac.PermProjectWrite)
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return apperr.Forbidden()
	}
	return nil
}
