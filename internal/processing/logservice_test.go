package processing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repowiki/repowiki/internal/common/config"
	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/db"
	"github.com/repowiki/repowiki/internal/wiki/models"
	"github.com/repowiki/repowiki/internal/wiki/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s := store.New(pool)
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func createTestRepository(t *testing.T, s *store.Store, gitURL string) *models.Repository {
	t.Helper()
	repo := &models.Repository{
		GitURL:  gitURL,
		OrgName: "acme",
		Name:    "widgets",
	}
	require.NoError(t, s.CreateRepository(context.Background(), repo))
	return repo
}

func TestLogServiceGetLogs(t *testing.T) {
	s := newTestStore(t)
	svc := NewLogService(s, logger.Default())
	ctx := context.Background()
	repo := createTestRepository(t, s, "https://git.example.com/acme/widgets.git")

	svc.Log(ctx, repo.ID, models.LogStepWorkspace, "Preparing workspace")
	time.Sleep(5 * time.Millisecond)
	svc.Log(ctx, repo.ID, models.LogStepCatalog, "Found 4 documents")
	time.Sleep(5 * time.Millisecond)
	svc.Log(ctx, repo.ID, models.LogStepContent, "Document completed (1/4)")
	svc.LogAIOutput(ctx, repo.ID, models.LogStepContent, "thinking about Found 999 documents", "")

	view, err := svc.GetLogs(ctx, repo.ID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, view.Logs, 4)
	assert.Equal(t, models.LogStepContent, view.CurrentStep)
	assert.Equal(t, 4, view.TotalDocuments)
	assert.Equal(t, 1, view.CompletedDocuments)
	require.NotNil(t, view.StartedAt)
	assert.Equal(t, view.Logs[0].CreatedAt, *view.StartedAt)
	assert.Equal(t, "Preparing workspace", view.Logs[0].Message)
}

func TestLogServiceEmptyStream(t *testing.T) {
	s := newTestStore(t)
	svc := NewLogService(s, logger.Default())
	repo := createTestRepository(t, s, "https://git.example.com/acme/widgets.git")

	view, err := svc.GetLogs(context.Background(), repo.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, models.LogStepWorkspace, view.CurrentStep)
	assert.Nil(t, view.StartedAt)
	assert.Empty(t, view.Logs)
	assert.Zero(t, view.TotalDocuments)
}

func TestLogServiceLimitClamping(t *testing.T) {
	s := newTestStore(t)
	svc := NewLogService(s, logger.Default())
	ctx := context.Background()
	repo := createTestRepository(t, s, "https://git.example.com/acme/widgets.git")

	for i := 0; i < 3; i++ {
		svc.Log(ctx, repo.ID, models.LogStepContent, "entry")
	}

	// Oversized limits are capped, non-positive ones use the default; both
	// still return everything here since only 3 entries exist.
	for _, limit := range []int{-5, 0, 1000} {
		view, err := svc.GetLogs(ctx, repo.ID, time.Time{}, limit)
		require.NoError(t, err)
		assert.Len(t, view.Logs, 3)
	}

	view, err := svc.GetLogs(ctx, repo.ID, time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, view.Logs, 2)
}

func TestLogServiceClear(t *testing.T) {
	s := newTestStore(t)
	svc := NewLogService(s, logger.Default())
	ctx := context.Background()
	repo := createTestRepository(t, s, "https://git.example.com/acme/widgets.git")

	svc.Log(ctx, repo.ID, models.LogStepWorkspace, "Preparing workspace")
	require.NoError(t, svc.Clear(ctx, repo.ID))

	view, err := svc.GetLogs(ctx, repo.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Logs)
}
