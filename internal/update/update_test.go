package update

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repowiki/repowiki/internal/common/config"
	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/db"
	"github.com/repowiki/repowiki/internal/events/bus"
	"github.com/repowiki/repowiki/internal/notify"
	"github.com/repowiki/repowiki/internal/wiki/models"
	"github.com/repowiki/repowiki/internal/wiki/store"
	"github.com/repowiki/repowiki/internal/workspace"
)

type recordingGenerator struct {
	mu       sync.Mutex
	branches []string
	changed  [][]string
	failWith error
}

func (g *recordingGenerator) GenerateCatalog(ctx context.Context, ws *workspace.Workspace, language string) error {
	return g.failWith
}

func (g *recordingGenerator) GenerateDocuments(ctx context.Context, ws *workspace.Workspace, language string) error {
	return g.failWith
}

func (g *recordingGenerator) IncrementalUpdate(ctx context.Context, ws *workspace.Workspace, language string, changed []string) error {
	g.mu.Lock()
	g.branches = append(g.branches, ws.BranchName)
	g.changed = append(g.changed, changed)
	g.mu.Unlock()
	return g.failWith
}

// faultyManager injects failures into Prepare before delegating.
type faultyManager struct {
	WorkspaceManager
	mu          sync.Mutex
	failures    int
	failErr     error
	removeCalls int
}

func (m *faultyManager) Prepare(ctx context.Context, repo *models.Repository, branchName, prev string) (*workspace.Workspace, error) {
	m.mu.Lock()
	if m.failures > 0 {
		m.failures--
		m.mu.Unlock()
		return nil, m.failErr
	}
	m.mu.Unlock()
	return m.WorkspaceManager.Prepare(ctx, repo, branchName, prev)
}

func (m *faultyManager) Remove(path string) {
	m.mu.Lock()
	m.removeCalls++
	m.mu.Unlock()
	m.WorkspaceManager.Remove(path)
}

type fixture struct {
	store     *store.Store
	manager   *workspace.Manager
	generator *recordingGenerator
	service   *Service
	scheduler *Scheduler
	repo      *models.Repository
	branch    *models.Branch
	srcDir    string
	worktree  *git.Worktree
	firstHead string
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		PollingIntervalSeconds:       60,
		DefaultUpdateIntervalMinutes: 60,
		MinUpdateIntervalMinutes:     5,
		RetryBaseDelayMs:             1,
		ManualTriggerPriority:        100,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Default()

	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	s := store.New(pool)
	require.NoError(t, s.InitSchema(context.Background()))

	srcDir := t.TempDir()
	srcRepo, err := git.PlainInit(srcDir, false)
	require.NoError(t, err)
	wt, err := srcRepo.Worktree()
	require.NoError(t, err)

	f := &fixture{store: s, srcDir: srcDir, worktree: wt, generator: &recordingGenerator{}}
	f.firstHead = f.commit(t, "main.ts", "export const x = 1;\n")

	f.repo = &models.Repository{GitURL: srcDir, OrgName: "acme", Name: "widgets"}
	require.NoError(t, s.CreateRepository(context.Background(), f.repo))
	require.NoError(t, s.UpdateRepositoryStatus(context.Background(), f.repo.ID, models.RepositoryStatusCompleted))
	f.branch = &models.Branch{RepositoryID: f.repo.ID, Name: "master"}
	require.NoError(t, s.CreateBranch(context.Background(), f.branch))

	processingCfg := config.ProcessingConfig{
		RepositoriesDirectory: t.TempDir(),
		MaxRetryAttempts:      3,
		RetryDelayMs:          1,
	}
	f.manager = workspace.NewManager(processingCfg, config.PlatformConfig{}, nil, log)
	notifier := notify.New(bus.NewMemoryEventBus(log), "update-test", log)

	f.service = NewService(f.store, f.manager, f.generator, notifier, processingCfg, schedulerConfig(), log)
	f.scheduler = NewScheduler(f.store, f.service, notifier, schedulerConfig(), log)
	return f
}

func (f *fixture) commit(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.srcDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, f.worktree.AddWithOptions(&git.AddOptions{All: true}))
	hash, err := f.worktree.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func (f *fixture) markProcessed(t *testing.T, commitID string) {
	t.Helper()
	require.NoError(t, f.store.UpdateBranchCommit(context.Background(), f.branch.ID, commitID, time.Now().UTC()))
}

func TestCheckForUpdatesFirstPass(t *testing.T) {
	f := newFixture(t)

	check, err := f.service.CheckForUpdates(context.Background(), f.repo.ID, f.branch.ID)
	require.NoError(t, err)
	defer f.manager.Cleanup(check.Workspace)

	assert.True(t, check.NeedsUpdate)
	assert.Empty(t, check.PreviousCommitID)
	assert.Equal(t, f.firstHead, check.CurrentCommitID)
	assert.Equal(t, []string{"main.ts"}, check.ChangedFiles)
}

func TestCheckForUpdatesNoChange(t *testing.T) {
	f := newFixture(t)
	f.markProcessed(t, f.firstHead)

	check, err := f.service.CheckForUpdates(context.Background(), f.repo.ID, f.branch.ID)
	require.NoError(t, err)
	defer f.manager.Cleanup(check.Workspace)

	assert.False(t, check.NeedsUpdate)
	assert.Equal(t, f.firstHead, check.CurrentCommitID)
}

func TestProcessIncrementalUpdate(t *testing.T) {
	f := newFixture(t)
	f.markProcessed(t, f.firstHead)
	second := f.commit(t, "extra.ts", "export const y = 2;\n")

	result, err := f.service.ProcessIncrementalUpdate(context.Background(), f.repo.ID, f.branch.ID)
	require.NoError(t, err)

	assert.True(t, result.Updated)
	assert.Equal(t, second, result.CommitID)
	assert.Equal(t, 1, result.LanguagesProcessed)
	assert.Equal(t, 1, result.ChangedFileCount)

	branch, err := f.store.GetBranch(context.Background(), f.branch.ID)
	require.NoError(t, err)
	assert.Equal(t, second, branch.LastCommitID)

	repo, err := f.store.GetRepository(context.Background(), f.repo.ID)
	require.NoError(t, err)
	assert.NotNil(t, repo.LastUpdateCheckAt)

	require.Len(t, f.generator.changed, 1)
	assert.Equal(t, []string{"extra.ts"}, f.generator.changed[0])
}

func TestProcessIncrementalUpdateNoChange(t *testing.T) {
	f := newFixture(t)
	f.markProcessed(t, f.firstHead)

	result, err := f.service.ProcessIncrementalUpdate(context.Background(), f.repo.ID, f.branch.ID)
	require.NoError(t, err)
	assert.False(t, result.Updated)
	assert.Zero(t, result.LanguagesProcessed)
	assert.Empty(t, f.generator.changed)

	repo, err := f.store.GetRepository(context.Background(), f.repo.ID)
	require.NoError(t, err)
	assert.NotNil(t, repo.LastUpdateCheckAt)
}

func TestProcessIncrementalUpdateRecoversFromCorruption(t *testing.T) {
	f := newFixture(t)
	f.markProcessed(t, f.firstHead)
	f.commit(t, "extra.ts", "export const y = 2;\n")

	faulty := &faultyManager{
		WorkspaceManager: f.manager,
		failures:         1,
		failErr:          errors.New("object read: bad object HEAD"),
	}
	log := logger.Default()
	notifier := notify.New(bus.NewMemoryEventBus(log), "update-test", log)
	service := NewService(f.store, faulty, f.generator, notifier,
		config.ProcessingConfig{MaxRetryAttempts: 3, RetryDelayMs: 1, RepositoriesDirectory: t.TempDir()},
		schedulerConfig(), log)

	result, err := service.ProcessIncrementalUpdate(context.Background(), f.repo.ID, f.branch.ID)
	require.NoError(t, err)
	assert.True(t, result.Updated)

	// The corrupt tree was removed before the successful retry.
	faulty.mu.Lock()
	defer faulty.mu.Unlock()
	assert.Equal(t, 1, faulty.removeCalls)
}

func TestProcessIncrementalUpdateTransientFailureExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	faulty := &faultyManager{
		WorkspaceManager: f.manager,
		failures:         10,
		failErr:          errors.New("remote unreachable"),
	}
	log := logger.Default()
	notifier := notify.New(bus.NewMemoryEventBus(log), "update-test", log)
	service := NewService(f.store, faulty, f.generator, notifier,
		config.ProcessingConfig{MaxRetryAttempts: 3, RetryDelayMs: 1, RepositoriesDirectory: t.TempDir()},
		schedulerConfig(), log)

	_, err := service.ProcessIncrementalUpdate(context.Background(), f.repo.ID, f.branch.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")

	// Transient failures never remove the tree.
	faulty.mu.Lock()
	defer faulty.mu.Unlock()
	assert.Equal(t, 0, faulty.removeCalls)
}

func TestSchedulerDrainsByPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.markProcessed(t, f.firstHead)
	f.commit(t, "extra.ts", "export const y = 2;\n")

	// A second branch row tracking the same git branch, so both tasks have
	// real work to do.
	manualBranch := &models.Branch{RepositoryID: f.repo.ID, Name: "master"}
	require.NoError(t, f.store.CreateBranch(ctx, manualBranch))
	require.NoError(t, f.store.UpdateBranchCommit(ctx, manualBranch.ID, f.firstHead, time.Now().UTC()))

	scheduled := &models.UpdateTask{RepositoryID: f.repo.ID, BranchID: f.branch.ID, PreviousCommitID: f.firstHead}
	require.NoError(t, f.store.CreateTask(ctx, scheduled))
	time.Sleep(5 * time.Millisecond)

	manualID, created, err := f.scheduler.TriggerManualUpdate(ctx, f.repo.ID, manualBranch.ID)
	require.NoError(t, err)
	assert.True(t, created)

	f.scheduler.drainTasks(ctx)

	manualTask, err := f.store.GetTask(ctx, manualID)
	require.NoError(t, err)
	scheduledTask, err := f.store.GetTask(ctx, scheduled.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, manualTask.Status)
	assert.Equal(t, models.TaskStatusCompleted, scheduledTask.Status)
	// The manual task started first despite being created later.
	require.NotNil(t, manualTask.StartedAt)
	require.NotNil(t, scheduledTask.StartedAt)
	assert.False(t, scheduledTask.StartedAt.Before(*manualTask.StartedAt))
}

func TestTriggerManualUpdateReturnsExistingTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.scheduler.TriggerManualUpdate(ctx, f.repo.ID, f.branch.ID)
	require.NoError(t, err)
	assert.True(t, created)

	task, err := f.store.GetTask(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 100, task.Priority)
	assert.True(t, task.IsManualTrigger)

	second, created, err := f.scheduler.TriggerManualUpdate(ctx, f.repo.ID, f.branch.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)
}

func TestSchedulerEmitIdempotentWhenNoChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.markProcessed(t, f.firstHead)

	f.scheduler.emitScheduledTasks(ctx)

	tasks, err := f.store.ListPendingTasks(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// The check time advanced, so the repository is no longer due.
	repo, err := f.store.GetRepository(ctx, f.repo.ID)
	require.NoError(t, err)
	require.NotNil(t, repo.LastUpdateCheckAt)

	f.scheduler.emitScheduledTasks(ctx)
	tasks, err = f.store.ListPendingTasks(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSchedulerEmitsTaskWhenRemoteMoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.markProcessed(t, f.firstHead)
	f.commit(t, "extra.ts", "export const y = 2;\n")

	f.scheduler.emitScheduledTasks(ctx)

	tasks, err := f.store.ListPendingTasks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 0, tasks[0].Priority)
	assert.False(t, tasks[0].IsManualTrigger)
	// The previous commit is pinned to what the branch had at creation.
	assert.Equal(t, f.firstHead, tasks[0].PreviousCommitID)
}

func TestSchedulerTaskFailureRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.markProcessed(t, f.firstHead)
	f.commit(t, "extra.ts", "export const y = 2;\n")
	f.generator.failWith = errors.New("model unavailable")

	task := &models.UpdateTask{RepositoryID: f.repo.ID, BranchID: f.branch.ID, PreviousCommitID: f.firstHead}
	require.NoError(t, f.store.CreateTask(ctx, task))

	f.scheduler.drainTasks(ctx)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "model unavailable")

	// The branch head must not advance on failure.
	branch, err := f.store.GetBranch(ctx, f.branch.ID)
	require.NoError(t, err)
	assert.Equal(t, f.firstHead, branch.LastCommitID)
}
