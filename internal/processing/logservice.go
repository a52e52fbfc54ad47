// Package processing drives repositories through wiki generation: the log
// service records progress, the worker executes full passes.
package processing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/wiki/models"
	"github.com/repowiki/repowiki/internal/wiki/store"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
)

// LogView is what the polling endpoint returns: the raw entries plus
// progress derived from the message stream.
type LogView struct {
	CurrentStep        models.LogStep          `json:"currentStep"`
	TotalDocuments     int                     `json:"totalDocuments"`
	CompletedDocuments int                     `json:"completedDocuments"`
	StartedAt          *time.Time              `json:"startedAt,omitempty"`
	Logs               []*models.ProcessingLog `json:"logs"`
}

// LogService is the append-only writer and reader for processing logs.
type LogService struct {
	store  *store.Store
	logger *logger.Logger
}

// NewLogService creates a LogService.
func NewLogService(s *store.Store, log *logger.Logger) *LogService {
	return &LogService{store: s, logger: log}
}

// Log appends one entry. Failures are swallowed after logging: a broken log
// write must never fail the processing pass that produced it.
func (l *LogService) Log(ctx context.Context, repositoryID string, step models.LogStep, message string) {
	l.append(ctx, &models.ProcessingLog{
		RepositoryID: repositoryID,
		Step:         step,
		Message:      message,
	})
}

// LogAIOutput appends generator output, optionally tagged with the tool that
// produced it. These entries are excluded from progress parsing.
func (l *LogService) LogAIOutput(ctx context.Context, repositoryID string, step models.LogStep, message, toolName string) {
	entry := &models.ProcessingLog{
		RepositoryID: repositoryID,
		Step:         step,
		Message:      message,
		IsAIOutput:   true,
	}
	if toolName != "" {
		entry.ToolName = &toolName
	}
	l.append(ctx, entry)
}

func (l *LogService) append(ctx context.Context, entry *models.ProcessingLog) {
	if err := l.store.AppendLog(ctx, entry); err != nil {
		l.logger.WithError(err).Warn("failed to append processing log",
			zap.String("repository_id", entry.RepositoryID),
			zap.String("step", string(entry.Step)))
	}
}

// GetLogs returns up to limit of the newest entries in chronological order,
// with the derived progress fields. limit is clamped to [1, 500] and
// defaults to 100 when non-positive.
func (l *LogService) GetLogs(ctx context.Context, repositoryID string, since time.Time, limit int) (*LogView, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	logs, err := l.store.ListLogs(ctx, repositoryID, since, limit)
	if err != nil {
		return nil, err
	}

	view := &LogView{
		CurrentStep: models.LogStepWorkspace,
		Logs:        logs,
	}
	if len(logs) > 0 {
		view.CurrentStep = logs[len(logs)-1].Step
		startedAt := logs[0].CreatedAt
		view.StartedAt = &startedAt
	}
	view.TotalDocuments, view.CompletedDocuments = parseProgress(logs)
	return view, nil
}

// Clear removes every entry for a repository.
func (l *LogService) Clear(ctx context.Context, repositoryID string) error {
	return l.store.ClearLogs(ctx, repositoryID)
}
