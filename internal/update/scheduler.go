package update

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/repowiki/repowiki/internal/common/config"
	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/events"
	"github.com/repowiki/repowiki/internal/notify"
	"github.com/repowiki/repowiki/internal/wiki/models"
	"github.com/repowiki/repowiki/internal/wiki/store"
)

const (
	// staleTaskAge is how long a task may sit in processing before the
	// startup sweep assumes its previous owner died mid-task.
	staleTaskAge = 10 * time.Minute

	// dueRepositoryBatch caps how many due repositories one tick examines.
	dueRepositoryBatch = 10
)

// Scheduler is the background service that drains pending update tasks and
// emits scheduled ones. A single instance runs per deployment; draining is
// strictly sequential.
type Scheduler struct {
	store    *store.Store
	service  *Service
	notifier *notify.Notifier
	cfg      config.SchedulerConfig
	logger   *logger.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(s *store.Store, svc *Service, n *notify.Notifier, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		service:  svc,
		notifier: n,
		cfg:      cfg,
		logger:   log,
	}
}

// Run polls until the context is canceled. Each tick drains pending tasks
// first, then emits tasks for repositories whose update interval elapsed.
func (s *Scheduler) Run(ctx context.Context) error {
	// Tasks left processing by a crashed instance would otherwise block
	// their (repository, branch) pair forever.
	if n, err := s.store.ResetStaleProcessingTasks(ctx, staleTaskAge); err != nil {
		s.logger.WithError(err).Error("failed to reset stale tasks")
	} else if n > 0 {
		s.logger.Info("reset stale processing tasks", zap.Int64("count", n))
	}

	ticker := time.NewTicker(s.cfg.PollingInterval())
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.drainTasks(ctx)
	if ctx.Err() != nil {
		return
	}
	s.emitScheduledTasks(ctx)
}

// drainTasks processes every pending task in priority order. Cancellation
// mid-task leaves the row processing; the startup sweep of the next instance
// reclaims it.
func (s *Scheduler) drainTasks(ctx context.Context) {
	tasks, err := s.store.ListPendingTasks(ctx, 0)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WithError(err).Error("failed to list pending tasks")
		}
		return
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *models.UpdateTask) {
	log := s.logger.WithTaskID(task.ID).WithRepositoryID(task.RepositoryID)

	if err := s.store.MarkTaskProcessing(ctx, task.ID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Error("failed to claim task")
		}
		return
	}

	result, err := s.service.ProcessIncrementalUpdate(ctx, task.RepositoryID, task.BranchID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Leave the row processing; see the startup sweep.
			log.Info("task interrupted by shutdown")
			return
		}
		if failErr := s.store.FailTask(ctx, task.ID, err.Error()); failErr != nil {
			log.WithError(failErr).Error("failed to record task failure")
		}
		s.notifier.TaskEvent(ctx, events.UpdateTaskFailed, task.ID, task.RepositoryID, map[string]interface{}{
			"error": err.Error(),
		})
		log.WithError(err).Error("update task failed")
		return
	}

	if err := s.store.CompleteTask(ctx, task.ID, result.CommitID); err != nil {
		log.WithError(err).Error("failed to record task completion")
		return
	}
	s.notifier.TaskEvent(ctx, events.UpdateTaskCompleted, task.ID, task.RepositoryID, map[string]interface{}{
		"updated":   result.Updated,
		"commit_id": result.CommitID,
	})
	log.Info("update task completed",
		zap.Bool("updated", result.Updated),
		zap.Int("changed_files", result.ChangedFileCount),
		zap.Duration("duration", result.Duration))
}

// emitScheduledTasks checks due repositories for remote changes and enqueues
// a task per branch that moved. The check timestamp advances even when
// nothing moved, which is what makes the polling idempotent.
func (s *Scheduler) emitScheduledTasks(ctx context.Context) {
	now := time.Now().UTC()
	repos, err := s.store.ListDueRepositories(ctx,
		s.cfg.DefaultUpdateInterval(), s.cfg.MinUpdateInterval(), now, dueRepositoryBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WithError(err).Error("failed to list due repositories")
		}
		return
	}

	for _, repo := range repos {
		if ctx.Err() != nil {
			return
		}
		s.checkRepository(ctx, repo, now)
	}
}

func (s *Scheduler) checkRepository(ctx context.Context, repo *models.Repository, now time.Time) {
	log := s.logger.WithRepositoryID(repo.ID)

	branches, err := s.store.ListBranches(ctx, repo.ID)
	if err != nil {
		log.WithError(err).Error("failed to list branches for scheduling")
		return
	}

	for _, branch := range branches {
		if ctx.Err() != nil {
			return
		}
		// An active task already covers this branch.
		if _, err := s.store.GetActiveTask(ctx, repo.ID, branch.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Error("failed to look up active task")
			continue
		}

		check, err := s.service.CheckForUpdates(ctx, repo.ID, branch.ID)
		if err != nil {
			log.WithError(err).Warn("scheduled update check failed",
				zap.String("branch", branch.Name))
			continue
		}
		s.service.manager.Cleanup(check.Workspace)
		if !check.NeedsUpdate {
			continue
		}

		task := &models.UpdateTask{
			RepositoryID:     repo.ID,
			BranchID:         branch.ID,
			PreviousCommitID: branch.LastCommitID,
			Priority:         0,
		}
		if err := s.store.CreateTask(ctx, task); err != nil {
			if !errors.Is(err, store.ErrActiveTaskExists) {
				log.WithError(err).Error("failed to create scheduled task")
			}
			continue
		}
		s.notifier.TaskEvent(ctx, events.UpdateTaskCreated, task.ID, repo.ID, map[string]interface{}{
			"branch_id": branch.ID,
			"manual":    false,
		})
		log.Info("scheduled update task created",
			zap.String("task_id", task.ID), zap.String("branch", branch.Name))
	}

	if err := s.store.SetLastUpdateCheck(ctx, repo.ID, now); err != nil {
		log.WithError(err).Error("failed to stamp update check time")
	}
}

// TriggerManualUpdate enqueues a high-priority task for a branch, or returns
// the id of the already active one. The second return reports whether a new
// task was created.
func (s *Scheduler) TriggerManualUpdate(ctx context.Context, repositoryID, branchID string) (string, bool, error) {
	if _, err := s.store.GetRepository(ctx, repositoryID); err != nil {
		return "", false, err
	}
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return "", false, err
	}

	if existing, err := s.store.GetActiveTask(ctx, repositoryID, branchID); err == nil {
		return existing.ID, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", false, err
	}

	task := &models.UpdateTask{
		RepositoryID:     repositoryID,
		BranchID:         branchID,
		PreviousCommitID: branch.LastCommitID,
		Priority:         s.cfg.ManualTriggerPriority,
		IsManualTrigger:  true,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, store.ErrActiveTaskExists) {
			// Lost the race to another trigger; report the winner.
			if existing, getErr := s.store.GetActiveTask(ctx, repositoryID, branchID); getErr == nil {
				return existing.ID, false, nil
			}
		}
		return "", false, err
	}

	s.notifier.TaskEvent(ctx, events.UpdateTaskCreated, task.ID, repositoryID, map[string]interface{}{
		"branch_id": branchID,
		"manual":    true,
	})
	return task.ID, true, nil
}
