package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/keyaudit/internal/errors"
	"github.com/3leaps/keyaudit/internal/server/middleware"
	"github.com/3leaps/keyaudit/pkg/credentials"
	"github.com/3leaps/keyaudit/pkg/jobregistry"
	"github.com/3leaps/keyaudit/pkg/jobs"
)

// DefaultMaxUploadBytes caps multipart submissions when no limit is set.
const DefaultMaxUploadBytes int64 = 10 << 20

// JobController is the job surface the HTTP API drives.
type JobController interface {
	CreateJobFromCredentials(ctx context.Context, accessKey, secretKey, region string) (jobs.CreateResult, error)
	CreateJobFromFiles(ctx context.Context, files []jobregistry.FileBlob) (jobs.CreateResult, error)
	GetJobStatus(jobID string) jobs.Status
}

// JobsHandler serves submission and polling routes.
type JobsHandler struct {
	jobs           JobController
	logger         *zap.Logger
	maxUploadBytes int64
}

func NewJobsHandler(ctrl JobController, logger *zap.Logger, maxUploadBytes int64) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &JobsHandler{jobs: ctrl, logger: logger, maxUploadBytes: maxUploadBytes}
}

type credentialsRequest struct {
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Region    string `json:"region"`
}

// SubmitCredentials handles POST /api/v1/jobs/credentials.
func (h *JobsHandler) SubmitCredentials(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jobs.CreateResult{Error: "Invalid request body"})
		return
	}

	res, err := h.jobs.CreateJobFromCredentials(r.Context(), req.AccessKey, req.SecretKey, req.Region)
	h.writeCreateResult(w, r, res, err)
}

// SubmitFiles handles POST /api/v1/jobs/files. File parts are kept in the
// order they appear in the multipart body.
func (h *JobsHandler) SubmitFiles(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jobs.CreateResult{Error: "Expected a multipart/form-data upload"})
		return
	}

	var files []jobregistry.FileBlob
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, jobs.CreateResult{Error: uploadError(err, h.maxUploadBytes)})
			return
		}

		name := part.FileName()
		if name == "" {
			_ = part.Close()
			continue
		}
		content, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, jobs.CreateResult{Error: uploadError(err, h.maxUploadBytes)})
			return
		}

		ctype := part.Header.Get("Content-Type")
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		files = append(files, jobregistry.FileBlob{
			Name:    name,
			Type:    ctype,
			Size:    int64(len(content)),
			Content: content,
		})
	}

	res, err := h.jobs.CreateJobFromFiles(r.Context(), files)
	h.writeCreateResult(w, r, res, err)
}

// GetStatus handles GET /api/v1/jobs/{jobID}. Unknown ids answer 200 with
// status "unknown".
func (h *JobsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	writeJSON(w, http.StatusOK, h.jobs.GetJobStatus(jobID))
}

func (h *JobsHandler) writeCreateResult(w http.ResponseWriter, r *http.Request, res jobs.CreateResult, err error) {
	if err == nil && res.Success {
		w.Header().Set("Location", "/api/v1/jobs/"+res.JobID)
		writeJSON(w, http.StatusAccepted, res)
		return
	}

	var vErr *credentials.ValidationError
	switch {
	case err == nil, errors.As(err, &vErr), errors.Is(err, jobs.ErrNoFiles):
	case errors.Is(err, jobs.ErrClosed):
		respondWithError(w, r, err)
		return
	default:
		h.logger.Error("Job submission failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		respondWithError(w, r, apperrors.NewInternal("Job submission failed", err))
		return
	}
	res.Success = false
	if res.Error == "" && err != nil {
		res.Error = err.Error()
	}
	writeJSON(w, http.StatusBadRequest, res)
}

func uploadError(err error, limit int64) string {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Sprintf("Upload exceeds the %d byte limit", limit)
	}
	return "Failed to read upload: " + err.Error()
}
