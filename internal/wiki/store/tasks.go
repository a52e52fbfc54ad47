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

const taskColumns = `id, repository_id, branch_id, previous_commit_id, target_commit_id,
	status, priority, is_manual_trigger, retry_count, error_message,
	created_at, started_at, completed_at`

func scanTask(row rowScanner) (*models.UpdateTask, error) {
	var task models.UpdateTask
	err := row.Scan(
		&task.ID, &task.RepositoryID, &task.BranchID,
		&task.PreviousCommitID, &task.TargetCommitID,
		&task.Status, &task.Priority, &task.IsManualTrigger,
		&task.RetryCount, &task.ErrorMessage,
		&task.CreatedAt, &task.StartedAt, &task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask enqueues an incremental update task. At most one pending or
// processing task may exist per (repository, branch); a second enqueue fails
// with ErrActiveTaskExists.
func (s *Store) CreateTask(ctx context.Context, task *models.UpdateTask) error {
	// The pre-check handles the common path; when two enqueues race past it
	// on separate connections, the partial unique index on active tasks
	// rejects the loser and the violation maps to the same sentinel.
	existing, err := s.GetActiveTask(ctx, task.RepositoryID, task.BranchID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		return ErrActiveTaskExists
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	task.CreatedAt = time.Now().UTC()

	_, err = s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO update_tasks (id, repository_id, branch_id, previous_commit_id,
			target_commit_id, status, priority, is_manual_trigger, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID, task.RepositoryID, task.BranchID, task.PreviousCommitID,
		task.TargetCommitID, string(task.Status), task.Priority,
		dialect.BoolToInt(task.IsManualTrigger), task.RetryCount, task.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveTaskExists
		}
		return fmt.Errorf("failed to create update task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.UpdateTask, error) {
	row := s.pool.Reader().QueryRowContext(ctx,
		s.rebind(`SELECT `+taskColumns+` FROM update_tasks WHERE id = ?`),
		id,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get update task: %w", err)
	}
	return task, nil
}

// GetActiveTask returns the pending or processing task for a (repository,
// branch) pair, or ErrNotFound when none is active. Reads through the writer
// connection so it observes in-flight enqueues.
func (s *Store) GetActiveTask(ctx context.Context, repositoryID, branchID string) (*models.UpdateTask, error) {
	row := s.pool.Writer().QueryRowContext(ctx,
		s.rebind(`SELECT `+taskColumns+` FROM update_tasks
			WHERE repository_id = ? AND branch_id = ? AND status IN (?, ?)
			ORDER BY created_at DESC LIMIT 1`),
		repositoryID, branchID,
		string(models.TaskStatusPending), string(models.TaskStatusProcessing),
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active task: %w", err)
	}
	return task, nil
}

// ListPendingTasks returns pending tasks ordered by priority descending and
// then creation time ascending, so manual triggers jump the queue without
// starving older scheduled work.
func (s *Store) ListPendingTasks(ctx context.Context, limit int) ([]*models.UpdateTask, error) {
	query := `SELECT ` + taskColumns + ` FROM update_tasks
		WHERE status = ? ORDER BY priority DESC, created_at ASC`
	args := []any{string(models.TaskStatusPending)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.pool.Reader().QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.UpdateTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan update task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// MarkTaskProcessing claims a pending task. The status guard in the WHERE
// clause makes the claim exclusive: a task already claimed (or finished)
// returns ErrNotFound.
func (s *Store) MarkTaskProcessing(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE update_tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`),
		string(models.TaskStatusProcessing), time.Now().UTC(), id,
		string(models.TaskStatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark task processing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check task claim result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask marks a task finished and records the commit it brought the
// branch to.
func (s *Store) CompleteTask(ctx context.Context, id, targetCommitID string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE update_tasks SET status = ?, completed_at = ?, target_commit_id = ?,
			error_message = NULL WHERE id = ?`),
		string(models.TaskStatusCompleted), time.Now().UTC(), targetCommitID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check task completion result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask marks a task failed, records the error and bumps the retry count.
func (s *Store) FailTask(ctx context.Context, id, message string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE update_tasks SET status = ?, completed_at = ?, error_message = ?,
			retry_count = retry_count + 1 WHERE id = ?`),
		string(models.TaskStatusFailed), time.Now().UTC(), message, id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check task failure result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetStaleProcessingTasks flips tasks that have been processing longer than
// maxAge back to pending. Run at startup to recover tasks orphaned by a crash.
func (s *Store) ResetStaleProcessingTasks(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`UPDATE update_tasks SET status = ?, started_at = NULL
			WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`),
		string(models.TaskStatusPending),
		string(models.TaskStatusProcessing), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale tasks: %w", err)
	}
	return res.RowsAffected()
}
