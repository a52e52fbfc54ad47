// Package service implements the repository-facing operations behind the
// HTTP surface: submission, lookup, updates and regeneration.
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/events"
	"github.com/repowiki/repowiki/internal/notify"
	"github.com/repowiki/repowiki/internal/wiki/models"
	"github.com/repowiki/repowiki/internal/wiki/store"
)

// SubmitRequest is the input for registering a repository.
type SubmitRequest struct {
	GitURL                string   `json:"git_url"`
	Branch                string   `json:"branch"`
	OrgName               string   `json:"org_name"`
	Name                  string   `json:"name"`
	OwnerID               string   `json:"owner_id"`
	IsPrivate             bool     `json:"is_private"`
	GitUserName           string   `json:"git_user_name"`
	GitPassword           string   `json:"git_password"`
	Languages             []string `json:"languages"`
	UpdateIntervalMinutes *int     `json:"update_interval_minutes"`
}

// SubmitResponse returns the created rows.
type SubmitResponse struct {
	Repository *models.Repository `json:"repository"`
	Branch     *models.Branch     `json:"branch"`
}

// Service owns repository lifecycle operations.
type Service struct {
	store    *store.Store
	notifier *notify.Notifier
	logger   *logger.Logger
}

// New creates a Service.
func New(s *store.Store, n *notify.Notifier, log *logger.Logger) *Service {
	return &Service{store: s, notifier: n, logger: log}
}

// Submit registers a repository with one tracked branch and its wiki
// languages, leaving it pending for the processing worker. A live repository
// with the same git URL is rejected with store.ErrDuplicateRepository.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if strings.TrimSpace(req.GitURL) == "" {
		return nil, fmt.Errorf("git_url is required")
	}

	orgName, name := req.OrgName, req.Name
	if orgName == "" || name == "" {
		parsedOrg, parsedName, err := parseRepoURL(req.GitURL)
		if err != nil {
			return nil, err
		}
		if orgName == "" {
			orgName = parsedOrg
		}
		if name == "" {
			name = parsedName
		}
	}

	branchName := req.Branch
	if branchName == "" {
		branchName = "main"
	}

	repo := &models.Repository{
		OwnerID:               req.OwnerID,
		GitURL:                req.GitURL,
		OrgName:               orgName,
		Name:                  name,
		IsPrivate:             req.IsPrivate,
		GitUserName:           req.GitUserName,
		GitPassword:           req.GitPassword,
		UpdateIntervalMinutes: req.UpdateIntervalMinutes,
	}
	if err := s.store.CreateRepository(ctx, repo); err != nil {
		return nil, err
	}

	branch := &models.Branch{RepositoryID: repo.ID, Name: branchName}
	if err := s.store.CreateBranch(ctx, branch); err != nil {
		return nil, err
	}

	languages := req.Languages
	if len(languages) == 0 {
		languages = []string{"en"}
	}
	for i, code := range languages {
		lang := &models.BranchLanguage{
			BranchID:  branch.ID,
			Code:      code,
			IsDefault: i == 0,
			Position:  i,
		}
		if err := s.store.CreateBranchLanguage(ctx, lang); err != nil {
			return nil, err
		}
	}

	s.notifier.RepositoryEvent(ctx, events.RepositoryCreated, repo.ID, map[string]interface{}{
		"org_name": orgName,
		"name":     name,
	})
	s.logger.Info("repository submitted",
		zap.String("repository_id", repo.ID),
		zap.String("org", orgName), zap.String("name", name))

	return &SubmitResponse{Repository: repo, Branch: branch}, nil
}

// Get fetches a repository by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Repository, error) {
	return s.store.GetRepository(ctx, id)
}

// GetByOrgAndName fetches a repository by its org/name pair.
func (s *Service) GetByOrgAndName(ctx context.Context, org, name string) (*models.Repository, error) {
	return s.store.GetRepositoryByOrgAndName(ctx, org, name)
}

// ListByStatus lists live repositories with the given status.
func (s *Service) ListByStatus(ctx context.Context, status models.RepositoryStatus) ([]*models.Repository, error) {
	return s.store.ListRepositoriesByStatus(ctx, status)
}

// Branches lists a repository's tracked branches.
func (s *Service) Branches(ctx context.Context, repositoryID string) ([]*models.Branch, error) {
	if _, err := s.store.GetRepository(ctx, repositoryID); err != nil {
		return nil, err
	}
	return s.store.ListBranches(ctx, repositoryID)
}

// UpdateSettings applies user-editable settings with optimistic concurrency.
// The caller supplies the version it read; a stale version fails with
// store.ErrVersionConflict.
func (s *Service) UpdateSettings(ctx context.Context, id string, version int64, intervalMinutes *int, gitUserName, gitPassword *string) (*models.Repository, error) {
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		return nil, err
	}
	repo.Version = version
	if intervalMinutes != nil {
		repo.UpdateIntervalMinutes = intervalMinutes
	}
	if gitUserName != nil {
		repo.GitUserName = *gitUserName
	}
	if gitPassword != nil {
		repo.GitPassword = *gitPassword
	}
	if err := s.store.UpdateRepository(ctx, repo); err != nil {
		return nil, err
	}
	return repo, nil
}

// Regenerate clears the repository's logs and puts it back to pending so
// the worker runs a full pass. It reuses the optimistic version check so a
// regeneration never tramples a concurrent settings update.
func (s *Service) Regenerate(ctx context.Context, id string, version int64) error {
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		return err
	}
	repo.Version = version
	repo.Status = models.RepositoryStatusPending
	if err := s.store.UpdateRepository(ctx, repo); err != nil {
		return err
	}

	// Wipe branch heads so every branch gets a full rebuild.
	branches, err := s.store.ListBranches(ctx, id)
	if err != nil {
		return err
	}
	for _, branch := range branches {
		if err := s.store.ResetBranchHead(ctx, branch.ID); err != nil {
			return err
		}
	}

	if err := s.store.ClearLogs(ctx, id); err != nil {
		return err
	}
	return nil
}

// Delete soft-deletes a repository, freeing its git URL for resubmission.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.SoftDeleteRepository(ctx, id); err != nil {
		return err
	}
	s.notifier.RepositoryEvent(ctx, events.RepositoryDeleted, id, nil)
	return nil
}

// parseRepoURL extracts (org, name) from an https or scp-style git URL.
func parseRepoURL(gitURL string) (string, string, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(gitURL), ".git")
	trimmed = strings.TrimSuffix(trimmed, "/")

	// scp-style: git@host:org/repo
	if at := strings.Index(trimmed, "@"); at != -1 && !strings.Contains(trimmed, "://") {
		if colon := strings.Index(trimmed, ":"); colon != -1 {
			trimmed = trimmed[colon+1:]
		}
	}

	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("cannot derive organization and name from %q", gitURL)
	}
	org := parts[len(parts)-2]
	name := parts[len(parts)-1]
	if org == "" || name == "" {
		return "", "", fmt.Errorf("cannot derive organization and name from %q", gitURL)
	}
	return org, name, nil
}
