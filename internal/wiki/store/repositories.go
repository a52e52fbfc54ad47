package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/repowiki/repowiki/internal/db/dialect"
	"github.com/repowiki/repowiki/internal/wiki/models"
)

const repositoryColumns = `id, owner_id, git_url, org_name, name, is_private,
	git_user_name, git_password, status, primary_language, last_update_check_at,
	update_interval_minutes, version, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (*models.Repository, error) {
	var repo models.Repository
	err := row.Scan(
		&repo.ID, &repo.OwnerID, &repo.GitURL, &repo.OrgName, &repo.Name,
		&repo.IsPrivate, &repo.GitUserName, &repo.GitPassword, &repo.Status,
		&repo.PrimaryLanguage, &repo.LastUpdateCheckAt,
		&repo.UpdateIntervalMinutes, &repo.Version,
		&repo.CreatedAt, &repo.UpdatedAt, &repo.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// CreateRepository registers a repository and returns it with generated
// fields populated. A live (not soft-deleted) repository with the same git
// URL makes this fail with ErrDuplicateRepository.
func (s *Store) CreateRepository(ctx context.Context, repo *models.Repository) error {
	// The pre-check handles the common path; a race past it on separate
	// connections trips the partial unique index on live git URLs, which
	// maps to the same sentinel.
	var existing int
	err := s.pool.Writer().QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM repositories WHERE git_url = ? AND deleted_at IS NULL`),
		repo.GitURL,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to check for duplicate repository: %w", err)
	}
	if existing > 0 {
		return ErrDuplicateRepository
	}

	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	if repo.Status == "" {
		repo.Status = models.RepositoryStatusPending
	}
	now := time.Now().UTC()
	repo.Version = 0
	repo.CreatedAt = now
	repo.UpdatedAt = now

	_, err = s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO repositories (id, owner_id, git_url, org_name, name, is_private,
			git_user_name, git_password, status, primary_language, last_update_check_at,
			update_interval_minutes, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		repo.ID, repo.OwnerID, repo.GitURL, repo.OrgName, repo.Name,
		dialect.BoolToInt(repo.IsPrivate), repo.GitUserName, repo.GitPassword,
		string(repo.Status), repo.PrimaryLanguage, repo.LastUpdateCheckAt,
		repo.UpdateIntervalMinutes, repo.Version, repo.CreatedAt, repo.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRepository
		}
		return fmt.Errorf("failed to create repository: %w", err)
	}
	return nil
}

// GetRepository fetches a repository by ID. Soft-deleted rows are invisible.
func (s *Store) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	row := s.pool.Reader().QueryRowContext(ctx,
		s.rebind(`SELECT `+repositoryColumns+` FROM repositories WHERE id = ? AND deleted_at IS NULL`),
		id,
	)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return repo, nil
}

// GetRepositoryByOrgAndName fetches a repository by its org/name pair.
func (s *Store) GetRepositoryByOrgAndName(ctx context.Context, orgName, name string) (*models.Repository, error) {
	row := s.pool.Reader().QueryRowContext(ctx,
		s.rebind(`SELECT `+repositoryColumns+` FROM repositories
			WHERE org_name = ? AND name = ? AND deleted_at IS NULL
			ORDER BY created_at DESC LIMIT 1`),
		orgName, name,
	)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository by org and name: %w", err)
	}
	return repo, nil
}

// ListRepositoriesByStatus returns live repositories with the given status,
// oldest first, so waiting repositories are served in submission order.
func (s *Store) ListRepositoriesByStatus(ctx context.Context, status models.RepositoryStatus) ([]*models.Repository, error) {
	rows, err := s.pool.Reader().QueryContext(ctx,
		s.rebind(`SELECT `+repositoryColumns+` FROM repositories
			WHERE status = ? AND deleted_at IS NULL
			ORDER BY created_at ASC`),
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []*models.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// ListProcessableRepositories returns live repositories in pending or
// processing state, oldest first. Processing rows appear so a worker can
// retake work it was restarted out of.
func (s *Store) ListProcessableRepositories(ctx context.Context) ([]*models.Repository, error) {
	rows, err := s.pool.Reader().QueryContext(ctx,
		s.rebind(`SELECT `+repositoryColumns+` FROM repositories
			WHERE status IN (?, ?) AND deleted_at IS NULL
			ORDER BY created_at ASC`),
		string(models.RepositoryStatusPending), string(models.RepositoryStatusProcessing),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list processable repositories: %w", err)
	}
	defer rows.Close()

	var repos []*models.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// UpdateRepository writes the mutable fields of a repository using optimistic
// concurrency: the write only lands if the stored version still matches
// repo.Version, and on success the version is bumped.
func (s *Store) UpdateRepository(ctx context.Context, repo *models.Repository) error {
	now := time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		UPDATE repositories
		SET owner_id = ?, git_url = ?, org_name = ?, name = ?, is_private = ?,
			git_user_name = ?, git_password = ?, status = ?, primary_language = ?,
			last_update_check_at = ?, update_interval_minutes = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL`),
		repo.OwnerID, repo.GitURL, repo.OrgName, repo.Name,
		dialect.BoolToInt(repo.IsPrivate), repo.GitUserName, repo.GitPassword,
		string(repo.Status), repo.PrimaryLanguage, repo.LastUpdateCheckAt,
		repo.UpdateIntervalMinutes, now, repo.ID, repo.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update repository: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		// Distinguish a stale version from a missing row.
		if _, getErr := s.GetRepository(ctx, repo.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	repo.Version++
	repo.UpdatedAt = now
	return nil
}

// UpdateRepositoryStatus moves a repository through its lifecycle without
// touching the version column, so status flips from the worker never collide
// with user-facing optimistic updates.
func (s *Store) UpdateRepositoryStatus(ctx context.Context, id string, status models.RepositoryStatus) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE repositories SET status = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`),
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update repository status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check status update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPrimaryLanguage records the detected primary programming language.
func (s *Store) SetPrimaryLanguage(ctx context.Context, id, language string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE repositories SET primary_language = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`),
		language, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set primary language: %w", err)
	}
	return nil
}

// SetLastUpdateCheck stamps the time the scheduler last examined the
// repository for remote changes.
func (s *Store) SetLastUpdateCheck(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE repositories SET last_update_check_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`),
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set last update check: %w", err)
	}
	return nil
}

// SoftDeleteRepository hides a repository from all queries. The git URL
// becomes available for re-registration.
func (s *Store) SoftDeleteRepository(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE repositories SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`),
		time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete repository: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueRepositories returns completed repositories whose update interval
// has elapsed since their last check, capped at limit. Dueness is computed
// here rather than in SQL so the interval floor and default apply uniformly
// across drivers.
func (s *Store) ListDueRepositories(ctx context.Context, defaultInterval, minInterval time.Duration, now time.Time, limit int) ([]*models.Repository, error) {
	repos, err := s.ListRepositoriesByStatus(ctx, models.RepositoryStatusCompleted)
	if err != nil {
		return nil, err
	}

	var due []*models.Repository
	for _, repo := range repos {
		if limit > 0 && len(due) >= limit {
			break
		}
		if repo.LastUpdateCheckAt == nil {
			due = append(due, repo)
			continue
		}
		interval := defaultInterval
		if repo.UpdateIntervalMinutes != nil {
			interval = time.Duration(*repo.UpdateIntervalMinutes) * time.Minute
		}
		if interval < minInterval {
			interval = minInterval
		}
		if !repo.LastUpdateCheckAt.Add(interval).After(now) {
			due = append(due, repo)
		}
	}
	return due, nil
}

// ResetProcessingRepositories flips repositories stuck in processing back to
// pending. Run at startup to recover work orphaned by a crash.
func (s *Store) ResetProcessingRepositories(ctx context.Context) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE repositories SET status = ?, updated_at = ? WHERE status = ? AND deleted_at IS NULL`),
		string(models.RepositoryStatusPending), time.Now().UTC(),
		string(models.RepositoryStatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing repositories: %w", err)
	}
	return res.RowsAffected()
}
