package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/clipflow/orchestrator/internal/api/dto"
	"github.com/clipflow/orchestrator/internal/job"
	"github.com/clipflow/orchestrator/internal/upload"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OpenSession handles POST /api/v1/jobs/:job_id/upload
// Opens a chunked upload session against a pending job.
func (h *UploadHandler) OpenSession(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	var req dto.OpenUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	sess, err := h.uploads.Open(c.Request.Context(), jobID, req.PartSize, req.TotalParts, req.TotalBytes)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, upload.ErrJobNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": "Job is not pending"})
		default:
			h.logger.Error("Failed to open upload session",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, toSessionDTO(sess))
}

// ReportPart handles POST /api/v1/uploads/:session_id/parts
// Records one uploaded chunk; reporting the same part twice is a no-op.
func (h *UploadHandler) ReportPart(c *gin.Context) {
	sessionID := c.Param("session_id")

	var req dto.ReportPartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	report, err := h.uploads.ReportPart(c.Request.Context(), sessionID, req.PartNumber, req.Checksum, req.SizeBytes)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		case errors.Is(err, upload.ErrSessionNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": "Session is not active"})
		case errors.Is(err, upload.ErrPartOutOfRange):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to report part",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to report part"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"already_reported": report.AlreadyReported,
		"parts_completed":  report.PartsCompleted,
		"total_parts":      report.TotalParts,
		"bytes_uploaded":   report.BytesUploaded,
	})
}

// CompleteSession handles POST /api/v1/uploads/:session_id/complete
// Closes the session and moves the owning job to its dispatch-ready state.
func (h *UploadHandler) CompleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	if err := h.uploads.Complete(c.Request.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, upload.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		case errors.Is(err, upload.ErrSessionNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": "Session is not active"})
		case errors.Is(err, upload.ErrIncomplete):
			c.JSON(http.StatusConflict, gin.H{"error": "Session has unreported parts"})
		default:
			h.logger.Error("Failed to complete upload session",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to complete session"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"status":     upload.SessionCompleted,
	})
}

// AbortSession handles POST /api/v1/uploads/:session_id/abort
// Abandons the session and fails the owning job.
func (h *UploadHandler) AbortSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	// Body is optional; an empty or malformed one just means no reason given.
	var req dto.AbortUploadRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.uploads.Abort(c.Request.Context(), sessionID, req.Reason); err != nil {
		switch {
		case errors.Is(err, upload.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		case errors.Is(err, upload.ErrSessionNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": "Session is not active"})
		default:
			h.logger.Error("Failed to abort upload session",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to abort session"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"status":     upload.SessionAborted,
	})
}

func toSessionDTO(sess *upload.Session) *dto.SessionDTO {
	return &dto.SessionDTO{
		SessionID:     sess.SessionID,
		JobID:         sess.JobID,
		PartSize:      sess.PartSize,
		TotalParts:    sess.TotalParts,
		TotalBytes:    sess.TotalBytes,
		BytesUploaded: sess.BytesUploaded,
		Status:        sess.Status,
	}
}
