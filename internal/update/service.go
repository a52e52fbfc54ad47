// Package update implements incremental wiki updates: the service executes
// one update end-to-end, the scheduler decides when updates happen.
package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/repowiki/repowiki/internal/common/config"
	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/generator"
	"github.com/repowiki/repowiki/internal/notify"
	"github.com/repowiki/repowiki/internal/wiki/models"
	"github.com/repowiki/repowiki/internal/wiki/store"
	"github.com/repowiki/repowiki/internal/workspace"
)

// Check is the outcome of comparing a branch against its remote.
type Check struct {
	NeedsUpdate      bool
	PreviousCommitID string
	CurrentCommitID  string
	ChangedFiles     []string

	// Workspace is the prepared checkout; the caller owns its cleanup.
	Workspace *workspace.Workspace
}

// Result summarizes one processed update.
type Result struct {
	Updated            bool
	CommitID           string
	LanguagesProcessed int
	ChangedFileCount   int
	Duration           time.Duration
}

// WorkspaceManager is the slice of the workspace manager the update service
// needs. Satisfied by *workspace.Manager.
type WorkspaceManager interface {
	Prepare(ctx context.Context, repo *models.Repository, branchName, previousCommitID string) (*workspace.Workspace, error)
	Cleanup(ws *workspace.Workspace)
	Remove(path string)
	WorkingPath(org, name string) (string, error)
	ChangedFiles(ctx context.Context, ws *workspace.Workspace, fromCommit, toCommit string) ([]string, error)
}

// Service executes incremental updates for one (repository, branch) pair at
// a time.
type Service struct {
	store      *store.Store
	manager    WorkspaceManager
	generator  generator.Generator
	notifier   *notify.Notifier
	processing config.ProcessingConfig
	scheduler  config.SchedulerConfig
	logger     *logger.Logger
}

// NewService creates a Service.
func NewService(
	s *store.Store,
	m WorkspaceManager,
	gen generator.Generator,
	n *notify.Notifier,
	processing config.ProcessingConfig,
	scheduler config.SchedulerConfig,
	log *logger.Logger,
) *Service {
	return &Service{
		store:      s,
		manager:    m,
		generator:  gen,
		notifier:   n,
		processing: processing,
		scheduler:  scheduler,
		logger:     log,
	}
}

// CheckForUpdates prepares the branch's workspace and reports whether the
// remote moved past the last processed commit. A branch that has never been
// processed always needs an update. The returned workspace must be cleaned
// up by the caller.
func (s *Service) CheckForUpdates(ctx context.Context, repositoryID, branchID string) (*Check, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}

	ws, err := s.prepareWithRecovery(ctx, repo, branch)
	if err != nil {
		return nil, err
	}

	check := &Check{
		PreviousCommitID: branch.LastCommitID,
		CurrentCommitID:  ws.CommitID,
		Workspace:        ws,
	}
	if branch.LastCommitID != "" && branch.LastCommitID == ws.CommitID {
		return check, nil
	}
	check.NeedsUpdate = true

	check.ChangedFiles, err = s.manager.ChangedFiles(ctx, ws, branch.LastCommitID, ws.CommitID)
	if err != nil {
		s.manager.Cleanup(ws)
		return nil, err
	}
	return check, nil
}

// ProcessIncrementalUpdate runs one update end-to-end: check, regenerate per
// language, advance the branch head, stamp the repository's check time and
// notify subscribers. Notification failures never fail the update.
func (s *Service) ProcessIncrementalUpdate(ctx context.Context, repositoryID, branchID string) (*Result, error) {
	start := time.Now()

	check, err := s.CheckForUpdates(ctx, repositoryID, branchID)
	if err != nil {
		return nil, err
	}
	defer s.manager.Cleanup(check.Workspace)

	if !check.NeedsUpdate {
		if err := s.store.SetLastUpdateCheck(ctx, repositoryID, time.Now().UTC()); err != nil {
			return nil, err
		}
		return &Result{Duration: time.Since(start)}, nil
	}

	languages, err := s.branchLanguages(ctx, branchID)
	if err != nil {
		return nil, err
	}

	for _, language := range languages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.generator.IncrementalUpdate(ctx, check.Workspace, language, check.ChangedFiles); err != nil {
			return nil, fmt.Errorf("incremental update for %s failed: %w", language, err)
		}
	}

	now := time.Now().UTC()
	if err := s.store.UpdateBranchCommit(ctx, branchID, check.CurrentCommitID, now); err != nil {
		return nil, err
	}
	if err := s.store.SetLastUpdateCheck(ctx, repositoryID, now); err != nil {
		return nil, err
	}

	s.notifier.WikiUpdated(ctx, repositoryID, branchID, check.CurrentCommitID)

	return &Result{
		Updated:            true,
		CommitID:           check.CurrentCommitID,
		LanguagesProcessed: len(languages),
		ChangedFileCount:   len(check.ChangedFiles),
		Duration:           time.Since(start),
	}, nil
}

// prepareWithRecovery wraps workspace preparation in the corruption-recovery
// retry: when an attempt fails with a corruption-looking error the tree is
// removed so the next attempt clones fresh. Backoff doubles per attempt.
// This is deliberately a different policy from the fixed-delay retry inside
// the workspace manager; the two compose.
func (s *Service) prepareWithRecovery(ctx context.Context, repo *models.Repository, branch *models.Branch) (*workspace.Workspace, error) {
	attempts := s.processing.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := s.scheduler.RetryBaseDelay() * (1 << (attempt - 2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		ws, err := s.manager.Prepare(ctx, repo, branch.Name, branch.LastCommitID)
		if err == nil {
			return ws, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err

		if workspace.IsCorruptionError(err) {
			s.logger.WithRepositoryID(repo.ID).WithError(err).Warn(
				"workspace looks corrupt, removing for fresh clone",
				zap.Int("attempt", attempt))
			if path, pathErr := s.manager.WorkingPath(repo.OrgName, repo.Name); pathErr == nil {
				s.manager.Remove(path)
			}
		} else {
			s.logger.WithRepositoryID(repo.ID).WithError(err).Warn(
				"workspace preparation failed, retrying",
				zap.Int("attempt", attempt))
		}
	}
	return nil, fmt.Errorf("failed to prepare workspace after %d attempts: %w", attempts, lastErr)
}

func (s *Service) branchLanguages(ctx context.Context, branchID string) ([]string, error) {
	langs, err := s.store.ListBranchLanguages(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if len(langs) == 0 {
		// Branch was never fully processed with languages; fall back to a
		// single default pass.
		return []string{"en"}, nil
	}
	codes := make([]string, 0, len(langs))
	for _, lang := range langs {
		codes = append(codes, lang.Code)
	}
	return codes, nil
}
