package webhook

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/clipflow/orchestrator/internal/claim"
	"github.com/clipflow/orchestrator/internal/job"
	"github.com/gin-gonic/gin"
)

// Handler exposes the worker-facing callback endpoints.
type Handler struct {
	gateway *Gateway
	claims  *claim.Coordinator
	logger  *slog.Logger
}

// NewHandler creates a new webhook Handler
func NewHandler(gateway *Gateway, claims *claim.Coordinator, logger *slog.Logger) *Handler {
	return &Handler{
		gateway: gateway,
		claims:  claims,
		logger:  logger,
	}
}

// Register mounts the callback routes on a router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/claim", h.Claim)
	rg.POST("/progress", h.Progress)
	rg.POST("/complete", h.Complete)
	rg.POST("/fail", h.Fail)
}

func (h *Handler) readBody(c *gin.Context) ([]byte, bool) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, false
	}
	return data, true
}

func (h *Handler) reject(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid shared secret"})
}

// Claim handles POST /api/v1/worker/claim
func (h *Handler) Claim(c *gin.Context) {
	data, ok := h.readBody(c)
	if !ok {
		return
	}

	env, err := NormalizeClaim(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.gateway.Authenticate(env.SharedSecret) {
		h.reject(c)
		return
	}

	if env.JobID == "" || env.LockID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id and lock_id are required"})
		return
	}

	res, err := h.claims.Claim(c.Request.Context(), env.JobID, env.LockID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"claimed": false, "reason": "unknown job"})
			return
		}
		h.logger.Error("Claim failed", slog.String("job_id", env.JobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to claim job"})
		return
	}

	if !res.Claimed {
		c.JSON(http.StatusOK, gin.H{"claimed": false, "reason": res.Reason})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"claimed":    true,
		"job_type":   res.JobType,
		"parameters": res.Parameters,
	})
}

// Progress handles POST /api/v1/worker/progress
func (h *Handler) Progress(c *gin.Context) {
	data, ok := h.readBody(c)
	if !ok {
		return
	}

	cb, err := NormalizeProgress(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.gateway.Authenticate(cb.SharedSecret) {
		h.reject(c)
		return
	}

	if err := h.gateway.Progress(c.Request.Context(), cb); err != nil {
		h.logger.Error("Progress callback failed", slog.String("job_id", cb.JobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record progress"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Complete handles POST /api/v1/worker/complete
func (h *Handler) Complete(c *gin.Context) {
	data, ok := h.readBody(c)
	if !ok {
		return
	}

	cb, err := NormalizeCompletion(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.gateway.Authenticate(cb.SharedSecret) {
		h.reject(c)
		return
	}

	noop, reason, err := h.gateway.Completion(c.Request.Context(), cb)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "reason": "unknown job"})
			return
		}
		h.logger.Error("Completion callback failed", slog.String("job_id", cb.JobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record completion"})
		return
	}

	if noop {
		c.JSON(http.StatusOK, gin.H{"success": true, "reason": reason})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Fail handles POST /api/v1/worker/fail
func (h *Handler) Fail(c *gin.Context) {
	data, ok := h.readBody(c)
	if !ok {
		return
	}

	cb, err := NormalizeFailure(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.gateway.Authenticate(cb.SharedSecret) {
		h.reject(c)
		return
	}

	noop, reason, err := h.gateway.Failure(c.Request.Context(), cb)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "reason": "unknown job"})
			return
		}
		h.logger.Error("Failure callback failed", slog.String("job_id", cb.JobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record failure"})
		return
	}

	if noop {
		c.JSON(http.StatusOK, gin.H{"success": true, "reason": reason})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
