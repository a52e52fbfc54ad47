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

const branchColumns = `id, repository_id, name, last_commit_id, last_processed_at, created_at, updated_at`

func scanBranch(row rowScanner) (*models.Branch, error) {
	var branch models.Branch
	err := row.Scan(
		&branch.ID, &branch.RepositoryID, &branch.Name,
		&branch.LastCommitID, &branch.LastProcessedAt,
		&branch.CreatedAt, &branch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

// CreateBranch records a tracked branch for a repository.
func (s *Store) CreateBranch(ctx context.Context, branch *models.Branch) error {
	if branch.ID == "" {
		branch.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	branch.CreatedAt = now
	branch.UpdatedAt = now

	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO repository_branches (id, repository_id, name, last_commit_id, last_processed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		branch.ID, branch.RepositoryID, branch.Name, branch.LastCommitID,
		branch.LastProcessedAt, branch.CreatedAt, branch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create branch: %w", err)
	}
	return nil
}

// GetBranch fetches a branch by ID.
func (s *Store) GetBranch(ctx context.Context, id string) (*models.Branch, error) {
	row := s.pool.Reader().QueryRowContext(ctx,
		s.rebind(`SELECT `+branchColumns+` FROM repository_branches WHERE id = ?`),
		id,
	)
	branch, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	return branch, nil
}

// GetBranchByName fetches a repository's branch by name.
func (s *Store) GetBranchByName(ctx context.Context, repositoryID, name string) (*models.Branch, error) {
	row := s.pool.Reader().QueryRowContext(ctx,
		s.rebind(`SELECT `+branchColumns+` FROM repository_branches WHERE repository_id = ? AND name = ?`),
		repositoryID, name,
	)
	branch, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch by name: %w", err)
	}
	return branch, nil
}

// ListBranches returns a repository's branches in creation order.
func (s *Store) ListBranches(ctx context.Context, repositoryID string) ([]*models.Branch, error) {
	rows, err := s.pool.Reader().QueryContext(ctx,
		s.rebind(`SELECT `+branchColumns+` FROM repository_branches
			WHERE repository_id = ? ORDER BY created_at ASC, id ASC`),
		repositoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var branches []*models.Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		branches = append(branches, branch)
	}
	return branches, rows.Err()
}

// UpdateBranchCommit advances a branch's processed head. Called only after
// the generator finished a pass for that commit, so the recorded head never
// runs ahead of the generated content.
func (s *Store) UpdateBranchCommit(ctx context.Context, id, commitID string, processedAt time.Time) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE repository_branches SET last_commit_id = ?, last_processed_at = ?, updated_at = ? WHERE id = ?`),
		commitID, processedAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update branch commit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check branch update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetBranchHead clears a branch's processed head, forcing the next pass
// to run as a full rebuild.
func (s *Store) ResetBranchHead(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE repository_branches SET last_commit_id = '', last_processed_at = NULL, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to reset branch head: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check branch reset result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateBranchLanguage records a wiki language for a branch.
func (s *Store) CreateBranchLanguage(ctx context.Context, lang *models.BranchLanguage) error {
	if lang.ID == "" {
		lang.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	lang.CreatedAt = now
	lang.UpdatedAt = now

	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO branch_languages (id, branch_id, code, is_default, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		lang.ID, lang.BranchID, lang.Code, dialect.BoolToInt(lang.IsDefault),
		lang.Position, lang.CreatedAt, lang.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create branch language: %w", err)
	}
	return nil
}

// ListBranchLanguages returns a branch's languages ordered by position.
func (s *Store) ListBranchLanguages(ctx context.Context, branchID string) ([]*models.BranchLanguage, error) {
	rows, err := s.pool.Reader().QueryContext(ctx,
		s.rebind(`SELECT id, branch_id, code, is_default, position, created_at, updated_at
			FROM branch_languages WHERE branch_id = ? ORDER BY position ASC, created_at ASC`),
		branchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list branch languages: %w", err)
	}
	defer rows.Close()

	var langs []*models.BranchLanguage
	for rows.Next() {
		var lang models.BranchLanguage
		err := rows.Scan(&lang.ID, &lang.BranchID, &lang.Code, &lang.IsDefault,
			&lang.Position, &lang.CreatedAt, &lang.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch language: %w", err)
		}
		langs = append(langs, &lang)
	}
	return langs, rows.Err()
}

// DeleteBranchLanguages removes all language rows for a branch. Used before
// re-seeding the language set on a full regeneration.
func (s *Store) DeleteBranchLanguages(ctx context.Context, branchID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`DELETE FROM branch_languages WHERE branch_id = ?`),
		branchID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete branch languages: %w", err)
	}
	return nil
}
