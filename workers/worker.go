package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/camden-git/thumbworks/events"
	"github.com/camden-git/thumbworks/media"
	"github.com/camden-git/thumbworks/models"
	"github.com/camden-git/thumbworks/queue"
	"github.com/camden-git/thumbworks/repository"
)

// Envelope is the payload carried by a queue entry. It holds everything a
// worker needs so a job survives process restarts without re-reading the
// upload request.
type Envelope struct {
	JobID          string          `json:"jobId"`
	FileID         string          `json:"fileId"`
	UserID         string          `json:"userId"`
	FilePath       string          `json:"filePath"`
	Kind           models.FileKind `json:"kind"`
	ThumbnailSizes []string        `json:"thumbnailSizes"`
}

// JobQueue is the queue surface the worker consumes
type JobQueue interface {
	Reserve(ctx context.Context) (*queue.Entry, []byte, error)
	Ack(entry *queue.Entry, returnValue []byte) error
	Nack(entry *queue.Entry, jobErr error) error
	UpdateProgress(entry *queue.Entry, percent int) error
}

// ThumbnailWorker drains the queue and runs the media pipeline. With
// Concurrency 1 (the default) jobs execute in strict queue order.
type ThumbnailWorker struct {
	Queue        JobQueue
	Jobs         repository.JobRepositoryInterface
	Processor    *media.Processor
	Bus          *events.Bus
	Concurrency  int
	JobTimeout   time.Duration // per-job processing deadline
	DrainTimeout time.Duration // grace period for in-flight jobs on Stop
	ThumbnailURL string        // public URL prefix, e.g. /uploads/thumbnails/

	wg            sync.WaitGroup
	reserveCtx    context.Context
	reserveCancel context.CancelFunc
	jobCtx        context.Context
	jobCancel     context.CancelFunc
}

func NewThumbnailWorker(q JobQueue, jobs repository.JobRepositoryInterface, processor *media.Processor, bus *events.Bus, concurrency int, jobTimeout, drainTimeout time.Duration, thumbnailURL string) *ThumbnailWorker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	return &ThumbnailWorker{
		Queue:        q,
		Jobs:         jobs,
		Processor:    processor,
		Bus:          bus,
		Concurrency:  concurrency,
		JobTimeout:   jobTimeout,
		DrainTimeout: drainTimeout,
		ThumbnailURL: thumbnailURL,
	}
}

// Start launches the worker goroutines
func (w *ThumbnailWorker) Start() {
	w.reserveCtx, w.reserveCancel = context.WithCancel(context.Background())
	w.jobCtx, w.jobCancel = context.WithCancel(context.Background())

	w.wg.Add(w.Concurrency)
	for i := 0; i < w.Concurrency; i++ {
		go w.run(i)
	}
	log.Printf("Started %d thumbnail worker(s)", w.Concurrency)
}

// Stop blocks new reservations, lets in-flight jobs drain, and after the
// drain window aborts whatever is left so it gets nacked and retried later.
func (w *ThumbnailWorker) Stop() {
	log.Println("Stopping thumbnail workers...")
	w.reserveCancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.DrainTimeout):
		log.Printf("Drain window of %s elapsed, aborting in-flight jobs", w.DrainTimeout)
		w.jobCancel()
		<-done
	}
	w.jobCancel()
	log.Println("All thumbnail workers stopped")
}

func (w *ThumbnailWorker) run(id int) {
	defer w.wg.Done()
	log.Printf("Thumbnail worker %d started", id)

	for {
		entry, payload, err := w.Queue.Reserve(w.reserveCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				log.Printf("Thumbnail worker %d stopping", id)
				return
			}
			log.Printf("Worker %d: ERROR reserving queue entry: %v", id, err)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Printf("Worker %d: ERROR decoding payload for job %s: %v", id, entry.JobID, err)
			w.failAttempt(entry, &Envelope{JobID: entry.JobID}, fmt.Errorf("invalid job payload: %w", err))
			continue
		}

		w.process(id, entry, &env)
	}
}

func (w *ThumbnailWorker) process(id int, entry *queue.Entry, env *Envelope) {
	log.Printf("Worker %d: job %s attempt %d (%s %s)", id, env.JobID, entry.Attempt, env.Kind, env.FilePath)

	// a redelivered entry means the previous attempt marked the job failed;
	// walk it back through the lifecycle before processing again
	if entry.Attempt > 1 {
		if err := w.Jobs.ResetForRetry(env.JobID); err != nil {
			log.Printf("Worker %d: ERROR resetting job %s for retry: %v", id, env.JobID, err)
			w.failAttempt(entry, env, fmt.Errorf("retry reset failed: %w", err))
			return
		}
		if err := w.Jobs.SetStatus(env.JobID, models.StatusQueued, repository.StatusPatch{}); err != nil {
			log.Printf("Worker %d: ERROR re-queueing job %s: %v", id, env.JobID, err)
			w.failAttempt(entry, env, err)
			return
		}
	}

	initial := 10
	if err := w.Jobs.SetStatus(env.JobID, models.StatusProcessing, repository.StatusPatch{Progress: &initial}); err != nil {
		log.Printf("Worker %d: ERROR marking job %s processing: %v", id, env.JobID, err)
		w.failAttempt(entry, env, err)
		return
	}
	if err := w.Queue.UpdateProgress(entry, initial); err != nil {
		if errors.Is(err, queue.ErrAlreadyAcked) {
			// the reservation was reclaimed while we were setting up
			log.Printf("Worker %d: reservation for job %s is no longer live", id, env.JobID)
			return
		}
		log.Printf("Worker %d: ERROR reporting initial progress for job %s: %v", id, env.JobID, err)
		w.failAttempt(entry, env, fmt.Errorf("progress update failed: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(w.jobCtx, w.JobTimeout)
	defer cancel()

	result, err := w.Processor.Process(ctx, env.FilePath, env.Kind, func(pct int) {
		w.reportProgress(entry, env.JobID, pct)
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("job timed out after %s", w.JobTimeout)
		}
		log.Printf("Worker %d: job %s attempt %d failed: %v", id, env.JobID, entry.Attempt, err)
		w.failAttempt(entry, env, err)
		return
	}

	thumb := &models.Thumbnail{
		FileID:   env.FileID,
		Size:     result.SizeName,
		Width:    result.Width,
		Height:   result.Height,
		Filename: result.Filename,
		Path:     result.RelPath,
		URL:      w.ThumbnailURL + result.Filename,
	}
	if err := w.Jobs.AppendThumbnail(env.JobID, thumb); err != nil {
		log.Printf("Worker %d: ERROR recording thumbnail for job %s: %v", id, env.JobID, err)
		w.failAttempt(entry, env, err)
		return
	}

	full := 100
	if err := w.Jobs.SetStatus(env.JobID, models.StatusCompleted, repository.StatusPatch{Progress: &full}); err != nil {
		log.Printf("Worker %d: ERROR marking job %s completed: %v", id, env.JobID, err)
		w.failAttempt(entry, env, err)
		return
	}

	// the final tick goes out while the reservation is still live
	if err := w.Queue.UpdateProgress(entry, full); err != nil && !errors.Is(err, queue.ErrAlreadyAcked) {
		log.Printf("Worker %d: ERROR reporting final progress for job %s: %v", id, env.JobID, err)
	}

	returnValue := events.CompletedReturn{Thumbnails: []string{thumb.URL}}
	encoded, _ := json.Marshal(returnValue)
	if err := w.Queue.Ack(entry, encoded); err != nil {
		log.Printf("Worker %d: ERROR acking job %s: %v", id, env.JobID, err)
		return
	}

	// completion is announced exactly once, after the store reflects it
	w.Bus.Publish(events.TopicJobCompleted, env.JobID, events.CompletedEvent{
		JobID:       env.JobID,
		ReturnValue: returnValue,
		Status:      string(models.StatusCompleted),
		Progress:    full,
	})
	log.Printf("Worker %d: job %s completed", id, env.JobID)
}

// reportProgress persists the tick and forwards it through the queue so the
// stall timer refreshes alongside the event
func (w *ThumbnailWorker) reportProgress(entry *queue.Entry, jobID string, pct int) {
	if err := w.Jobs.SetStatus(jobID, models.StatusProcessing, repository.StatusPatch{Progress: &pct}); err != nil {
		log.Printf("Worker: ERROR persisting progress %d for job %s: %v", pct, jobID, err)
	}
	if err := w.Queue.UpdateProgress(entry, pct); err != nil {
		log.Printf("Worker: progress update rejected for job %s: %v", jobID, err)
	}
}

// failAttempt marks the job failed in the store and nacks the entry. The
// queue decides whether the job gets another attempt or fails terminally.
func (w *ThumbnailWorker) failAttempt(entry *queue.Entry, env *Envelope, jobErr error) {
	msg := jobErr.Error()
	zero := 0
	if err := w.Jobs.SetStatus(env.JobID, models.StatusFailed, repository.StatusPatch{Error: &msg, Progress: &zero}); err != nil {
		log.Printf("Worker: ERROR marking job %s failed: %v", env.JobID, err)
	}
	if err := w.Queue.Nack(entry, jobErr); err != nil && !errors.Is(err, queue.ErrAlreadyAcked) {
		log.Printf("Worker: ERROR nacking job %s: %v", env.JobID, err)
	}
}
