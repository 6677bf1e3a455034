package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/clipflow/orchestrator/internal/api/dto"
	"github.com/clipflow/orchestrator/internal/job"
	"github.com/clipflow/orchestrator/internal/job/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/jobs
// Creates a clip extraction job, either remote-fetch (source given) or as an
// entry record for a chunked upload session.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	params := make(map[string]any, len(req.Parameters)+1)
	for k, v := range req.Parameters {
		params[k] = v
	}
	if req.Source != "" {
		params["source"] = req.Source
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid parameters",
		})
		return
	}

	now := time.Now().UTC()
	j := job.Job{
		JobID:       uuid.New().String(),
		JobType:     job.TypeClipExtract,
		Status:      job.StatusPending,
		InputParams: string(paramsJSON),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.jobs.Create(c.Request.Context(), &j); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	// Remote-fetch jobs are ready immediately; hand them to the scheduler.
	// A lost message is recovered by the periodic queued scan.
	if req.Source != "" {
		if err := h.queue.PublishDispatch(c.Request.Context(), j.JobID); err != nil {
			h.logger.Error("Failed to publish dispatch for new job",
				slog.String("job_id", j.JobID),
				slog.String("error", err.Error()),
			)
		}
	}

	h.logger.Info("Job created",
		slog.String("job_id", j.JobID),
		slog.String("job_type", j.JobType),
		slog.Bool("remote_fetch", req.Source != ""),
	)

	c.JSON(http.StatusCreated, toJobDTO(&j))
}

// CreatePost handles POST /api/v1/posts
// Creates a social post job fanning out to one or more publishing targets.
func (h *JobHandler) CreatePost(c *gin.Context) {
	var req dto.CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	paramsJSON, err := json.Marshal(map[string]any{
		"content":   req.Content,
		"media_ref": req.MediaRef,
		"targets":   req.Targets,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid parameters",
		})
		return
	}

	now := time.Now().UTC()
	j := job.Job{
		JobID:       uuid.New().String(),
		JobType:     job.TypeSocialPost,
		Status:      job.StatusPending,
		InputParams: string(paramsJSON),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.ScheduledAt != nil {
		j.ScheduledAt = sql.NullTime{Time: req.ScheduledAt.UTC(), Valid: true}
	}

	if err := h.jobs.Create(c.Request.Context(), &j); err != nil {
		h.logger.Error("Failed to create post job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	// Future-dated posts wait for the due scan; immediate ones go straight
	// to the queue.
	if req.ScheduledAt == nil {
		if err := h.queue.PublishDispatch(c.Request.Context(), j.JobID); err != nil {
			h.logger.Error("Failed to publish dispatch for new post",
				slog.String("job_id", j.JobID),
				slog.String("error", err.Error()),
			)
		}
	}

	h.logger.Info("Post job created",
		slog.String("job_id", j.JobID),
		slog.Int("targets", len(req.Targets)),
		slog.Bool("scheduled", req.ScheduledAt != nil),
	)

	c.JSON(http.StatusCreated, toJobDTO(&j))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	j, err := h.jobs.GetByJobID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(j))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := store.JobFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = *toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&store.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Moves a non-terminal job to failed under a guard; a worker holding a lock
// on a canceled job is rejected on its next callback like any terminal job.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	msg := "canceled by user"
	stage := job.StageCancel
	now := time.Now().UTC()
	err := h.jobs.Transition(c.Request.Context(), jobID, job.NonTerminalStatuses, job.StatusFailed, job.Patch{
		ErrorMessage:   &msg,
		ErrorStage:     &stage,
		ClearLock:      true,
		SetCompletedAt: &now,
	})
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, job.ErrConflict):
			// The guarded update cannot tell a terminal job from a missing
			// one; both affect zero rows.
			if _, getErr := h.jobs.GetByJobID(c.Request.Context(), jobID); errors.Is(getErr, job.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": "Job is already terminal"})
		default:
			h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
		}
		return
	}

	h.logger.Info("Job canceled", slog.String("job_id", jobID))

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": job.StatusFailed,
	})
}

func toJobDTO(j *job.Job) *dto.JobDTO {
	out := &dto.JobDTO{
		JobID:        j.JobID,
		JobType:      j.JobType,
		Status:       j.Status,
		Progress:     j.Progress,
		CurrentStep:  j.CurrentStep,
		RetryCount:   j.RetryCount,
		ErrorMessage: j.ErrorMessage,
		ErrorStage:   j.ErrorStage,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.Format(time.RFC3339),
	}
	if j.ScheduledAt.Valid {
		out.ScheduledAt = j.ScheduledAt.Time.Format(time.RFC3339)
	}
	if j.CompletedAt.Valid {
		out.CompletedAt = j.CompletedAt.Time.Format(time.RFC3339)
	}
	if len(j.Result) > 0 {
		out.Result = json.RawMessage(j.Result)
	}
	if len(j.TargetResults) > 0 {
		out.TargetResults = json.RawMessage(j.TargetResults)
	}
	return out
}
