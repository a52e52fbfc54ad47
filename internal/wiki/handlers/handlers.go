// Package handlers exposes the repository processing core over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/processing"
	"github.com/repowiki/repowiki/internal/update"
	"github.com/repowiki/repowiki/internal/wiki/models"
	"github.com/repowiki/repowiki/internal/wiki/service"
	"github.com/repowiki/repowiki/internal/wiki/store"
)

type Handlers struct {
	service   *service.Service
	logs      *processing.LogService
	scheduler *update.Scheduler
	logger    *logger.Logger
}

func NewHandlers(svc *service.Service, logs *processing.LogService, scheduler *update.Scheduler, log *logger.Logger) *Handlers {
	return &Handlers{
		service:   svc,
		logs:      logs,
		scheduler: scheduler,
		logger:    log.WithFields(zap.String("component", "wiki-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, svc *service.Service, logs *processing.LogService, scheduler *update.Scheduler, log *logger.Logger) {
	h := NewHandlers(svc, logs, scheduler, log)

	api := router.Group("/api/repositories")
	api.POST("", h.submitRepository)
	api.GET("", h.listRepositories)
	api.GET("/:id", h.getRepository)
	api.DELETE("/:id", h.deleteRepository)
	api.PATCH("/:id", h.updateRepository)
	api.POST("/:id/regenerate", h.regenerateRepository)
	api.GET("/:id/branches", h.listBranches)
	api.POST("/:id/branches/:branchId/update", h.triggerManualUpdate)

	// Polling surface used by the wiki UI while a repository processes.
	router.GET("/:owner/:name/processing-logs", h.getProcessingLogs)
}

func (h *Handlers) submitRepository(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	resp, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRepository) {
			c.JSON(http.StatusConflict, gin.H{"error": "repository already exists"})
			return
		}
		h.logger.Error("failed to submit repository", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) listRepositories(c *gin.Context) {
	status := models.RepositoryStatus(c.DefaultQuery("status", string(models.RepositoryStatusCompleted)))
	repos, err := h.service.ListByStatus(c.Request.Context(), status)
	if err != nil {
		h.logger.Error("failed to list repositories", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list repositories"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos})
}

func (h *Handlers) getRepository(c *gin.Context) {
	repo, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
			return
		}
		h.logger.Error("failed to get repository", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get repository"})
		return
	}
	c.JSON(http.StatusOK, repo)
}

func (h *Handlers) deleteRepository(c *gin.Context) {
	err := h.service.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
			return
		}
		h.logger.Error("failed to delete repository", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete repository"})
		return
	}
	c.Status(http.StatusNoContent)
}

type updateRepositoryRequest struct {
	Version               int64   `json:"version"`
	UpdateIntervalMinutes *int    `json:"update_interval_minutes,omitempty"`
	GitUserName           *string `json:"git_user_name,omitempty"`
	GitPassword           *string `json:"git_password,omitempty"`
}

func (h *Handlers) updateRepository(c *gin.Context) {
	var body updateRepositoryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	repo, err := h.service.UpdateSettings(c.Request.Context(), c.Param("id"),
		body.Version, body.UpdateIntervalMinutes, body.GitUserName, body.GitPassword)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
		case errors.Is(err, store.ErrVersionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "repository was modified concurrently"})
		default:
			h.logger.Error("failed to update repository", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update repository"})
		}
		return
	}
	c.JSON(http.StatusOK, repo)
}

type regenerateRequest struct {
	Version int64 `json:"version"`
}

func (h *Handlers) regenerateRepository(c *gin.Context) {
	var body regenerateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	err := h.service.Regenerate(c.Request.Context(), c.Param("id"), body.Version)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
		case errors.Is(err, store.ErrVersionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "repository was modified concurrently"})
		default:
			h.logger.Error("failed to regenerate repository", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to regenerate repository"})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
}

func (h *Handlers) listBranches(c *gin.Context) {
	branches, err := h.service.Branches(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
			return
		}
		h.logger.Error("failed to list branches", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list branches"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

func (h *Handlers) triggerManualUpdate(c *gin.Context) {
	taskID, created, err := h.scheduler.TriggerManualUpdate(c.Request.Context(),
		c.Param("id"), c.Param("branchId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "repository or branch not found"})
			return
		}
		h.logger.Error("failed to trigger update", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger update"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"task_id": taskID, "created": created})
}

func (h *Handlers) getProcessingLogs(c *gin.Context) {
	repo, err := h.service.GetByOrgAndName(c.Request.Context(), c.Param("owner"), c.Param("name"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
			return
		}
		h.logger.Error("failed to resolve repository", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve repository"})
		return
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}

	view, err := h.logs.GetLogs(c.Request.Context(), repo.ID, since, limit)
	if err != nil {
		h.logger.Error("failed to fetch processing logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch processing logs"})
		return
	}
	c.JSON(http.StatusOK, view)
}
