package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repowiki/repowiki/internal/common/config"
	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/db"
	"github.com/repowiki/repowiki/internal/events/bus"
	"github.com/repowiki/repowiki/internal/generator"
	"github.com/repowiki/repowiki/internal/notify"
	"github.com/repowiki/repowiki/internal/processing"
	"github.com/repowiki/repowiki/internal/update"
	"github.com/repowiki/repowiki/internal/wiki/models"
	"github.com/repowiki/repowiki/internal/wiki/service"
	"github.com/repowiki/repowiki/internal/wiki/store"
	"github.com/repowiki/repowiki/internal/workspace"
)

type nopGenerator struct{}

func (nopGenerator) GenerateCatalog(ctx context.Context, ws *workspace.Workspace, language string) error {
	return nil
}

func (nopGenerator) GenerateDocuments(ctx context.Context, ws *workspace.Workspace, language string) error {
	return nil
}

func (nopGenerator) IncrementalUpdate(ctx context.Context, ws *workspace.Workspace, language string, changed []string) error {
	return nil
}

var _ generator.Generator = nopGenerator{}

func newTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	s := store.New(pool)
	require.NoError(t, s.InitSchema(context.Background()))

	notifier := notify.New(bus.NewMemoryEventBus(log), "handlers-test", log)
	svc := service.New(s, notifier, log)
	logs := processing.NewLogService(s, log)

	processingCfg := config.ProcessingConfig{
		RepositoriesDirectory: t.TempDir(),
		MaxRetryAttempts:      1,
		RetryDelayMs:          1,
	}
	schedulerCfg := config.SchedulerConfig{
		PollingIntervalSeconds:       60,
		DefaultUpdateIntervalMinutes: 60,
		MinUpdateIntervalMinutes:     5,
		RetryBaseDelayMs:             1,
		ManualTriggerPriority:        100,
	}
	manager := workspace.NewManager(processingCfg, config.PlatformConfig{}, nil, log)
	updateSvc := update.NewService(s, manager, nopGenerator{}, notifier, processingCfg, schedulerCfg, log)
	scheduler := update.NewScheduler(s, updateSvc, notifier, schedulerCfg, log)

	router := gin.New()
	RegisterRoutes(router, svc, logs, scheduler, log)
	return router, s
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitRepository(t *testing.T) {
	router, s := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/repositories", gin.H{
		"git_url": "https://git.example.com/acme/widgets.git",
		"branch":  "main",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp service.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.Repository.OrgName)
	assert.Equal(t, "widgets", resp.Repository.Name)
	assert.Equal(t, models.RepositoryStatusPending, resp.Repository.Status)
	assert.Equal(t, "main", resp.Branch.Name)

	langs, err := s.ListBranchLanguages(context.Background(), resp.Branch.ID)
	require.NoError(t, err)
	require.Len(t, langs, 1)
	assert.Equal(t, "en", langs[0].Code)
	assert.True(t, langs[0].IsDefault)
}

func TestSubmitDuplicateRejected(t *testing.T) {
	router, s := newTestRouter(t)
	body := gin.H{"git_url": "https://git.example.com/acme/widgets.git", "branch": "main"}

	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/api/repositories", body).Code)
	require.Equal(t, http.StatusConflict, doJSON(t, router, http.MethodPost, "/api/repositories", body).Code)

	// No second repository row appeared.
	repos, err := s.ListRepositoriesByStatus(context.Background(), models.RepositoryStatusPending)
	require.NoError(t, err)
	assert.Len(t, repos, 1)
}

func TestGetRepositoryNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/api/repositories/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateRepositoryVersionConflict(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/repositories", gin.H{
		"git_url": "https://git.example.com/acme/widgets.git",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var resp service.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id := resp.Repository.ID

	interval := 30
	w = doJSON(t, router, http.MethodPatch, "/api/repositories/"+id, gin.H{
		"version": 0, "update_interval_minutes": interval,
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// Replaying the same version is now stale.
	w = doJSON(t, router, http.MethodPatch, "/api/repositories/"+id, gin.H{
		"version": 0, "update_interval_minutes": interval,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegenerateRepository(t *testing.T) {
	router, s := newTestRouter(t)
	ctx := context.Background()

	w := doJSON(t, router, http.MethodPost, "/api/repositories", gin.H{
		"git_url": "https://git.example.com/acme/widgets.git",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var resp service.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.NoError(t, s.UpdateRepositoryStatus(ctx, resp.Repository.ID, models.RepositoryStatusCompleted))
	require.NoError(t, s.UpdateBranchCommit(ctx, resp.Branch.ID, "abc123", time.Now().UTC()))

	w = doJSON(t, router, http.MethodPost, "/api/repositories/"+resp.Repository.ID+"/regenerate", gin.H{"version": 0})
	require.Equal(t, http.StatusAccepted, w.Code)

	repo, err := s.GetRepository(ctx, resp.Repository.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RepositoryStatusPending, repo.Status)

	branch, err := s.GetBranch(ctx, resp.Branch.ID)
	require.NoError(t, err)
	assert.Empty(t, branch.LastCommitID)

	// A stale version is refused.
	w = doJSON(t, router, http.MethodPost, "/api/repositories/"+resp.Repository.ID+"/regenerate", gin.H{"version": 0})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTriggerManualUpdate(t *testing.T) {
	router, s := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/repositories", gin.H{
		"git_url": "https://git.example.com/acme/widgets.git",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var resp service.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	path := "/api/repositories/" + resp.Repository.ID + "/branches/" + resp.Branch.ID + "/update"
	w = doJSON(t, router, http.MethodPost, path, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var first struct {
		TaskID  string `json:"task_id"`
		Created bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, first.Created)

	task, err := s.GetTask(context.Background(), first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 100, task.Priority)
	assert.True(t, task.IsManualTrigger)

	// A second trigger returns the existing task.
	w = doJSON(t, router, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second struct {
		TaskID  string `json:"task_id"`
		Created bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestGetProcessingLogs(t *testing.T) {
	router, s := newTestRouter(t)
	ctx := context.Background()

	w := doJSON(t, router, http.MethodPost, "/api/repositories", gin.H{
		"git_url": "https://git.example.com/acme/widgets.git",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var resp service.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	for _, msg := range []string{"Preparing workspace", "Found 2 documents", "Document completed (1/2)"} {
		require.NoError(t, s.AppendLog(ctx, &models.ProcessingLog{
			RepositoryID: resp.Repository.ID,
			Step:         models.LogStepCatalog,
			Message:      msg,
		}))
	}

	w = doJSON(t, router, http.MethodGet, "/acme/widgets/processing-logs?limit=100", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view processing.LogView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Len(t, view.Logs, 3)
	assert.Equal(t, 2, view.TotalDocuments)
	assert.Equal(t, 1, view.CompletedDocuments)
	assert.Equal(t, models.LogStepCatalog, view.CurrentStep)

	w = doJSON(t, router, http.MethodGet, "/acme/unknown/processing-logs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/acme/widgets/processing-logs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
