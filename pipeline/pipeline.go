package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/camden-git/thumbworks/media"
	"github.com/camden-git/thumbworks/models"
	"github.com/camden-git/thumbworks/queue"
	"github.com/camden-git/thumbworks/repository"
	"github.com/camden-git/thumbworks/workers"
)

// Pipeline is the write-side facade tying the job store and the queue
// together. Handlers go through it so the two are always updated in the
// same order: record first, queue entry second.
type Pipeline struct {
	Jobs  repository.JobRepositoryInterface
	Files repository.FileRepositoryInterface
	Queue *queue.Queue
	Store media.Store
}

func New(jobs repository.JobRepositoryInterface, files repository.FileRepositoryInterface, q *queue.Queue, store media.Store) *Pipeline {
	return &Pipeline{Jobs: jobs, Files: files, Queue: q, Store: store}
}

// EnqueueJob creates a pending job record for the file, enqueues its
// envelope, and advances the record to queued. Returns the new job id.
func (p *Pipeline) EnqueueJob(userID, fileID string, kind models.FileKind, filePath string, thumbnailSizes []string) (string, error) {
	job, err := p.Jobs.Create(userID, fileID, thumbnailSizes)
	if err != nil {
		return "", err
	}

	env := workers.Envelope{
		JobID:          job.ID,
		FileID:         fileID,
		UserID:         userID,
		FilePath:       filePath,
		Kind:           kind,
		ThumbnailSizes: thumbnailSizes,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode job envelope: %w", err)
	}

	// the record must read queued before the entry becomes reservable, or a
	// fast worker races the transition to processing
	if err := p.Jobs.SetStatus(job.ID, models.StatusQueued, repository.StatusPatch{}); err != nil {
		return "", err
	}

	if err := p.Queue.Enqueue(job.ID, payload, queue.EnqueueOpts{}); err != nil {
		msg := err.Error()
		if serr := p.Jobs.SetStatus(job.ID, models.StatusFailed, repository.StatusPatch{Error: &msg}); serr != nil {
			log.Printf("pipeline: failed to mark unenqueued job %s failed: %v", job.ID, serr)
		}
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	log.Printf("pipeline: enqueued job %s for file %s", job.ID, fileID)
	return job.ID, nil
}

// RetryJob re-runs a failed job: the record goes back to pending and a fresh
// envelope is enqueued. Jobs in any other status are rejected with
// models.ErrInvalidTransition by the reset.
func (p *Pipeline) RetryJob(jobID string) error {
	job, err := p.Jobs.GetByID(jobID)
	if err != nil {
		return err
	}

	file, err := p.Files.GetByID(job.FileID)
	if err != nil {
		return fmt.Errorf("failed to resolve file for job %s: %w", jobID, err)
	}

	if err := p.Jobs.ResetForRetry(jobID); err != nil {
		return err
	}

	env := workers.Envelope{
		JobID:          job.ID,
		FileID:         job.FileID,
		UserID:         job.UserID,
		FilePath:       file.Path,
		Kind:           file.Kind,
		ThumbnailSizes: job.ThumbnailSizes,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode job envelope: %w", err)
	}

	if err := p.Jobs.SetStatus(jobID, models.StatusQueued, repository.StatusPatch{}); err != nil {
		return err
	}

	if err := p.Queue.Enqueue(job.ID, payload, queue.EnqueueOpts{}); err != nil {
		msg := err.Error()
		if serr := p.Jobs.SetStatus(jobID, models.StatusFailed, repository.StatusPatch{Error: &msg}); serr != nil {
			log.Printf("pipeline: failed to mark unenqueued job %s failed: %v", jobID, serr)
		}
		if errors.Is(err, queue.ErrDuplicateJob) {
			return fmt.Errorf("job %s already has a live queue entry: %w", jobID, err)
		}
		return err
	}
	return nil
}

// DeleteJob removes a job everywhere: its live queue entry if any, its
// thumbnail files, and the record with its thumbnail rows.
func (p *Pipeline) DeleteJob(jobID string) error {
	job, err := p.Jobs.GetByID(jobID)
	if err != nil {
		return err
	}

	if err := p.Queue.Remove(jobID); err != nil {
		return err
	}

	for _, thumb := range job.Thumbnails {
		if err := p.Store.Delete(thumb.Path); err != nil {
			log.Printf("pipeline: failed to delete thumbnail file %s for job %s: %v", thumb.Path, jobID, err)
		}
	}

	return p.Jobs.Delete(jobID)
}
