package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/camden-git/thumbworks/models"
	"github.com/camden-git/thumbworks/pipeline"
	"github.com/camden-git/thumbworks/queue"
	"github.com/camden-git/thumbworks/repository"
)

// JobHandler exposes the job store and queue administration over HTTP
type JobHandler struct {
	Jobs     repository.JobRepositoryInterface
	Pipeline *pipeline.Pipeline
	Queue    *queue.Queue
}

func NewJobHandler(jobs repository.JobRepositoryInterface, pl *pipeline.Pipeline, q *queue.Queue) *JobHandler {
	return &JobHandler{Jobs: jobs, Pipeline: pl, Queue: q}
}

// List handles GET /api/jobs
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	jobs, err := h.Jobs.ListByUser(userID)
	if err != nil {
		WriteAPIError(w, http.StatusInternalServerError, "list_failed", "Failed to list jobs")
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// Get handles GET /api/jobs/{jobID}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Retry handles POST /api/jobs/{jobID}/retry. Only failed jobs can be
// retried; anything else is a conflict.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	if err := h.Pipeline.RetryJob(job.ID); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			WriteAPIError(w, http.StatusConflict, "not_retryable", "Only failed jobs can be retried")
			return
		}
		WriteAPIError(w, http.StatusInternalServerError, "retry_failed", "Failed to retry job")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"jobId": job.ID, "status": string(models.StatusQueued)})
}

// Delete handles DELETE /api/jobs/{jobID}
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	if err := h.Pipeline.DeleteJob(job.ID); err != nil {
		WriteAPIError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pause handles POST /api/queue/pause
func (h *JobHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.Queue.Pause()
	WriteJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Resume handles POST /api/queue/resume
func (h *JobHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.Queue.Resume()
	WriteJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// Clean handles POST /api/queue/clean, pruning terminal queue entries older
// than 24 hours
func (h *JobHandler) Clean(w http.ResponseWriter, r *http.Request) {
	removedCompleted, err := h.Queue.Clean(24*time.Hour, queue.StateCompleted)
	if err != nil {
		WriteAPIError(w, http.StatusInternalServerError, "clean_failed", "Failed to clean queue")
		return
	}
	removedFailed, err := h.Queue.Clean(24*time.Hour, queue.StateFailed)
	if err != nil {
		WriteAPIError(w, http.StatusInternalServerError, "clean_failed", "Failed to clean queue")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int64{"removed": removedCompleted + removedFailed})
}

// ownedJob loads the routed job and enforces ownership
func (h *JobHandler) ownedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	userID, _ := UserIDFromContext(r.Context())
	jobID := chi.URLParam(r, "jobID")

	job, err := h.Jobs.GetByID(jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			WriteAPIError(w, http.StatusNotFound, "not_found", "Job not found")
			return nil, false
		}
		WriteAPIError(w, http.StatusInternalServerError, "lookup_failed", "Failed to load job")
		return nil, false
	}

	if job.UserID != userID {
		// don't leak existence of other users' jobs
		WriteAPIError(w, http.StatusNotFound, "not_found", "Job not found")
		return nil, false
	}
	return job, true
}
