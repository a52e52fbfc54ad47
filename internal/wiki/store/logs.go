package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/repowiki/repowiki/internal/db/dialect"
	"github.com/repowiki/repowiki/internal/wiki/models"
)

const logColumns = `id, repository_id, step, message, is_ai_output, tool_name, created_at`

// AppendLog records a processing log entry for a repository.
func (s *Store) AppendLog(ctx context.Context, entry *models.ProcessingLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Step == "" {
		entry.Step = models.LogStepWorkspace
	}
	entry.CreatedAt = time.Now().UTC()

	_, err := s.pool.Writer().ExecContext(ctx, s.rebind(`
		INSERT INTO processing_logs (id, repository_id, step, message, is_ai_output, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.RepositoryID, string(entry.Step), entry.Message,
		dialect.BoolToInt(entry.IsAIOutput), entry.ToolName, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append processing log: %w", err)
	}
	return nil
}

// ListLogs returns up to limit of the newest log entries for a repository,
// in chronological order. When since is non-zero only entries created after
// it are returned, which lets pollers resume from their last seen entry.
func (s *Store) ListLogs(ctx context.Context, repositoryID string, since time.Time, limit int) ([]*models.ProcessingLog, error) {
	query := `SELECT ` + logColumns + ` FROM processing_logs WHERE repository_id = ?`
	args := []any{repositoryID}
	if !since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, since.UTC())
	}
	// Newest first so the limit keeps the tail, then reversed below.
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.pool.Reader().QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.ProcessingLog
	for rows.Next() {
		var entry models.ProcessingLog
		err := rows.Scan(&entry.ID, &entry.RepositoryID, &entry.Step,
			&entry.Message, &entry.IsAIOutput, &entry.ToolName, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan processing log: %w", err)
		}
		logs = append(logs, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// ClearLogs deletes all log entries for a repository. Called when a fresh
// processing pass starts so pollers only see the current run.
func (s *Store) ClearLogs(ctx context.Context, repositoryID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`DELETE FROM processing_logs WHERE repository_id = ?`),
		repositoryID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear processing logs: %w", err)
	}
	return nil
}
