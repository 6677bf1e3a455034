package handler

import (
	"context"
	"log/slog"
	"net/http"
	"testing"

	"github.com/clipflow/orchestrator/internal/upload"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploads struct {
	openErr     error
	reportErr   error
	completeErr error
	abortErr    error

	abortedWith string
}

func (f *fakeUploads) Open(ctx context.Context, jobID string, partSize int64, totalParts int, totalBytes int64) (*upload.Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &upload.Session{
		SessionID:  "sess-1",
		JobID:      jobID,
		PartSize:   partSize,
		TotalParts: totalParts,
		TotalBytes: totalBytes,
		Status:     upload.SessionActive,
	}, nil
}

func (f *fakeUploads) ReportPart(ctx context.Context, sessionID string, partNumber int, checksum string, sizeBytes int64) (*upload.PartReport, error) {
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	return &upload.PartReport{PartsCompleted: 1, TotalParts: 3, BytesUploaded: sizeBytes}, nil
}

func (f *fakeUploads) Complete(ctx context.Context, sessionID string) error {
	return f.completeErr
}

func (f *fakeUploads) Abort(ctx context.Context, sessionID, reason string) error {
	f.abortedWith = reason
	return f.abortErr
}

func newUploadRig(f *fakeUploads) *gin.Engine {
	h := NewUploadHandler(&Dependencies{
		Logger:  slog.New(slog.DiscardHandler),
		Uploads: f,
	})
	r := gin.New()
	r.POST("/jobs/:job_id/upload", h.OpenSession)
	r.POST("/uploads/:session_id/parts", h.ReportPart)
	r.POST("/uploads/:session_id/complete", h.CompleteSession)
	r.POST("/uploads/:session_id/abort", h.AbortSession)
	return r
}

const uploadJobID = "c0a80000-0000-4000-8000-00000000dd01"

func TestOpenSession(t *testing.T) {
	t.Run("creates session", func(t *testing.T) {
		r := newUploadRig(&fakeUploads{})
		w := doJSON(r, http.MethodPost, "/jobs/"+uploadJobID+"/upload", gin.H{
			"part_size":   100,
			"total_parts": 3,
			"total_bytes": 300,
		})
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"session_id":"sess-1"`)
	})

	t.Run("non-pending job conflicts", func(t *testing.T) {
		r := newUploadRig(&fakeUploads{openErr: upload.ErrJobNotPending})
		w := doJSON(r, http.MethodPost, "/jobs/"+uploadJobID+"/upload", gin.H{
			"part_size":   100,
			"total_parts": 3,
			"total_bytes": 300,
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("missing geometry is rejected", func(t *testing.T) {
		r := newUploadRig(&fakeUploads{})
		w := doJSON(r, http.MethodPost, "/jobs/"+uploadJobID+"/upload", gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestReportPart(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		r := newUploadRig(&fakeUploads{})
		w := doJSON(r, http.MethodPost, "/uploads/sess-1/parts", gin.H{
			"part_number": 1,
			"checksum":    "abc",
			"size_bytes":  100,
		})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("out-of-range part", func(t *testing.T) {
		r := newUploadRig(&fakeUploads{reportErr: upload.ErrPartOutOfRange})
		w := doJSON(r, http.MethodPost, "/uploads/sess-1/parts", gin.H{
			"part_number": 9,
			"checksum":    "abc",
			"size_bytes":  100,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("closed session conflicts", func(t *testing.T) {
		r := newUploadRig(&fakeUploads{reportErr: upload.ErrSessionNotActive})
		w := doJSON(r, http.MethodPost, "/uploads/sess-1/parts", gin.H{
			"part_number": 1,
			"checksum":    "abc",
			"size_bytes":  100,
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestCompleteSession(t *testing.T) {
	t.Run("incomplete session conflicts", func(t *testing.T) {
		r := newUploadRig(&fakeUploads{completeErr: upload.ErrIncomplete})
		w := doJSON(r, http.MethodPost, "/uploads/sess-1/complete", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("success", func(t *testing.T) {
		r := newUploadRig(&fakeUploads{})
		w := doJSON(r, http.MethodPost, "/uploads/sess-1/complete", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAbortSession(t *testing.T) {
	f := &fakeUploads{}
	r := newUploadRig(f)
	w := doJSON(r, http.MethodPost, "/uploads/sess-1/abort", gin.H{"reason": "client gave up"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "client gave up", f.abortedWith)
}
