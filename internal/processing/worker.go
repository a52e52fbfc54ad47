package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/events"
	"github.com/repowiki/repowiki/internal/generator"
	"github.com/repowiki/repowiki/internal/notify"
	"github.com/repowiki/repowiki/internal/wiki/models"
	"github.com/repowiki/repowiki/internal/wiki/store"
	"github.com/repowiki/repowiki/internal/workspace"
)

const (
	pollInterval = 30 * time.Second

	defaultLanguage = "en"
)

// Worker is the long-running service that drives pending repositories
// through full wiki generation. It processes one repository at a time;
// branches and languages iterate sequentially so log ordering and resource
// usage stay predictable.
type Worker struct {
	store     *store.Store
	manager   *workspace.Manager
	generator generator.Generator
	logs      *LogService
	notifier  *notify.Notifier
	logger    *logger.Logger
}

// NewWorker creates a Worker.
func NewWorker(s *store.Store, m *workspace.Manager, gen generator.Generator, logs *LogService, n *notify.Notifier, log *logger.Logger) *Worker {
	return &Worker{
		store:     s,
		manager:   m,
		generator: gen,
		logs:      logs,
		notifier:  n,
		logger:    log,
	}
}

// Run polls for processable repositories until the context is canceled.
// It blocks; start it in its own goroutine.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.store.ResetProcessingRepositories(ctx); err != nil {
		w.logger.WithError(err).Error("failed to reset orphaned repositories")
	} else if n > 0 {
		w.logger.Info("reset orphaned repositories to pending", zap.Int64("count", n))
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	repos, err := w.store.ListProcessableRepositories(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.WithError(err).Error("failed to scan for processable repositories")
		}
		return
	}

	for _, repo := range repos {
		if ctx.Err() != nil {
			return
		}
		w.processRepository(ctx, repo)
	}
}

// processRepository drives one repository to a terminal status. On
// cancellation the repository is put back to pending so the next instance
// retakes it.
func (w *Worker) processRepository(ctx context.Context, repo *models.Repository) {
	log := w.logger.WithRepositoryID(repo.ID)
	log.Info("processing repository",
		zap.String("org", repo.OrgName), zap.String("name", repo.Name))

	if err := w.logs.Clear(ctx, repo.ID); err != nil {
		log.WithError(err).Warn("failed to clear previous logs")
	}
	if err := w.store.UpdateRepositoryStatus(ctx, repo.ID, models.RepositoryStatusProcessing); err != nil {
		log.WithError(err).Error("failed to mark repository processing")
		return
	}
	w.notifier.RepositoryEvent(ctx, events.RepositoryProcessingStarted, repo.ID, nil)

	err := w.processBranches(ctx, repo)
	switch {
	case err == nil:
		w.logs.Log(ctx, repo.ID, models.LogStepComplete, "Processing completed")
		if err := w.store.UpdateRepositoryStatus(ctx, repo.ID, models.RepositoryStatusCompleted); err != nil {
			log.WithError(err).Error("failed to mark repository completed")
			return
		}
		w.notifier.RepositoryEvent(ctx, events.RepositoryProcessingCompleted, repo.ID, nil)
		log.Info("repository processing completed")

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Detached context: the run context is already dead.
		resetCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.store.UpdateRepositoryStatus(resetCtx, repo.ID, models.RepositoryStatusPending); err != nil {
			log.WithError(err).Error("failed to reset repository after cancellation")
		}
		log.Info("repository processing canceled, reset to pending")

	default:
		w.logs.Log(ctx, repo.ID, models.LogStepComplete, fmt.Sprintf("Processing failed: %v", err))
		if statusErr := w.store.UpdateRepositoryStatus(ctx, repo.ID, models.RepositoryStatusFailed); statusErr != nil {
			log.WithError(statusErr).Error("failed to mark repository failed")
		}
		w.notifier.RepositoryEvent(ctx, events.RepositoryProcessingFailed, repo.ID, map[string]interface{}{
			"error": err.Error(),
		})
		log.WithError(err).Error("repository processing failed")
	}
}

func (w *Worker) processBranches(ctx context.Context, repo *models.Repository) error {
	branches, err := w.store.ListBranches(ctx, repo.ID)
	if err != nil {
		return err
	}
	if len(branches) == 0 {
		return fmt.Errorf("repository has no branches")
	}

	for _, branch := range branches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processBranch(ctx, repo, branch); err != nil {
			return fmt.Errorf("branch %s: %w", branch.Name, err)
		}
	}
	return nil
}

func (w *Worker) processBranch(ctx context.Context, repo *models.Repository, branch *models.Branch) error {
	w.logs.Log(ctx, repo.ID, models.LogStepWorkspace, "Preparing workspace")

	ws, err := w.manager.Prepare(ctx, repo, branch.Name, branch.LastCommitID)
	if err != nil {
		return err
	}
	defer w.manager.Cleanup(ws)

	w.logs.Log(ctx, repo.ID, models.LogStepWorkspace,
		fmt.Sprintf("Workspace ready at commit %s", ws.CommitID))

	if repo.PrimaryLanguage == nil || *repo.PrimaryLanguage == "" {
		if lang, ok := w.manager.DetectPrimaryLanguage(ws); ok {
			if err := w.store.SetPrimaryLanguage(ctx, repo.ID, lang); err != nil {
				return err
			}
			repo.PrimaryLanguage = &lang
			w.logs.Log(ctx, repo.ID, models.LogStepWorkspace,
				fmt.Sprintf("Detected primary programming language: %s", lang))
		}
	}

	var changedFiles []string
	if ws.IsIncremental() {
		changedFiles, err = w.manager.ChangedFiles(ctx, ws, ws.PreviousCommitID, ws.CommitID)
		if err != nil {
			return err
		}
	}

	languages, err := w.branchLanguages(ctx, branch)
	if err != nil {
		return err
	}

	for _, language := range languages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ws.IsIncremental() {
			w.logs.Log(ctx, repo.ID, models.LogStepContent,
				fmt.Sprintf("Updating %d changed files for language %s", len(changedFiles), language))
			if err := w.generator.IncrementalUpdate(ctx, ws, language, changedFiles); err != nil {
				return fmt.Errorf("incremental update for %s failed: %w", language, err)
			}
			continue
		}

		w.logs.Log(ctx, repo.ID, models.LogStepCatalog,
			fmt.Sprintf("Generating catalog for language %s", language))
		if err := w.generator.GenerateCatalog(ctx, ws, language); err != nil {
			return fmt.Errorf("catalog generation for %s failed: %w", language, err)
		}

		w.logs.Log(ctx, repo.ID, models.LogStepContent,
			fmt.Sprintf("Generating documents for language %s", language))
		if err := w.generator.GenerateDocuments(ctx, ws, language); err != nil {
			return fmt.Errorf("document generation for %s failed: %w", language, err)
		}
	}

	// Only after every language succeeded does the branch head advance.
	return w.store.UpdateBranchCommit(ctx, branch.ID, ws.CommitID, time.Now().UTC())
}

// branchLanguages returns the language codes for a branch in stored order,
// seeding a default language row for branches submitted without one.
func (w *Worker) branchLanguages(ctx context.Context, branch *models.Branch) ([]string, error) {
	langs, err := w.store.ListBranchLanguages(ctx, branch.ID)
	if err != nil {
		return nil, err
	}
	if len(langs) == 0 {
		lang := &models.BranchLanguage{BranchID: branch.ID, Code: defaultLanguage, IsDefault: true}
		if err := w.store.CreateBranchLanguage(ctx, lang); err != nil {
			return nil, err
		}
		return []string{defaultLanguage}, nil
	}

	codes := make([]string, 0, len(langs))
	for _, lang := range langs {
		codes = append(codes, lang.Code)
	}
	return codes, nil
}
