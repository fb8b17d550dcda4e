package workers_test

import (
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/thumbworks/database"
	"github.com/camden-git/thumbworks/events"
	"github.com/camden-git/thumbworks/media"
	"github.com/camden-git/thumbworks/models"
	"github.com/camden-git/thumbworks/pipeline"
	"github.com/camden-git/thumbworks/queue"
	"github.com/camden-git/thumbworks/repository"
	"github.com/camden-git/thumbworks/workers"
)

type harness struct {
	jobs     *repository.JobRepository
	files    *repository.FileRepository
	pipeline *pipeline.Pipeline
	bus      *events.Bus
	uploads  string
}

type harnessOpts struct {
	extractor  *media.FrameExtractor
	jobTimeout time.Duration
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, harnessOpts{})
}

func newHarnessWith(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "test.db")
	uploads := filepath.Join(tmp, "uploads")
	if opts.jobTimeout == 0 {
		opts.jobTimeout = 5 * time.Second
	}

	sqlDB, err := database.InitDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := database.InitGormDB(dbPath)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrateModels(gormDB))

	bus := events.NewBus()
	q, err := queue.New(sqlDB, bus, queue.Options{
		MaxAttempts: 2,
		BackoffBase: 10 * time.Millisecond,
		StallWindow: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(q.Close)

	store, err := media.NewLocalStorage(uploads, "thumbnails")
	require.NoError(t, err)
	processor := media.NewProcessor(store, opts.extractor, filepath.Join(uploads, "thumbnails"), 128, 80)

	jobs := repository.NewJobRepository(gormDB)
	files := repository.NewFileRepository(gormDB)
	pl := pipeline.New(jobs, files, q, store)

	worker := workers.NewThumbnailWorker(q, jobs, processor, bus, 1, opts.jobTimeout, time.Second, "/uploads/thumbnails/")
	worker.Start()
	t.Cleanup(worker.Stop)

	return &harness{jobs: jobs, files: files, pipeline: pl, bus: bus, uploads: uploads}
}

func (h *harness) writeImage(t *testing.T, name string) string {
	t.Helper()
	img := imaging.New(200, 100, color.NRGBA{R: 30, G: 120, B: 30, A: 255})
	path := filepath.Join(h.uploads, name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func (h *harness) waitForStatus(t *testing.T, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.jobs.GetByID(jobID)
		return err == nil && job.Status == want
	}, 15*time.Second, 50*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func TestWorkerCompletesImageJob(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(sub)

	src := h.writeImage(t, "photo.png")
	jobID, err := h.pipeline.EnqueueJob("user-1", "file-1", models.KindImage, src, []string{"128x128"})
	require.NoError(t, err)

	job := h.waitForStatus(t, jobID, models.StatusCompleted)
	assert.Equal(t, 100, job.Progress)
	assert.Nil(t, job.Error)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	require.Len(t, job.Thumbnails, 1)
	assert.Equal(t, "128x128", job.Thumbnails[0].Size)
	assert.Contains(t, job.Thumbnails[0].URL, "/uploads/thumbnails/thumb_")

	// collect every progress tick up to the completion announcement; the
	// final 100 goes out on the wire before job-completed
	var progresses []int
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-sub.C:
			if msg.JobID != jobID {
				continue
			}
			if msg.Topic == events.TopicJobProgress {
				var event events.ProgressEvent
				require.NoError(t, json.Unmarshal(msg.Data, &event))
				progresses = append(progresses, event.Progress)
				continue
			}
			if msg.Topic == events.TopicJobCompleted {
				require.Contains(t, progresses, 100, "final progress tick must precede job-completed")
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for job-completed event")
		}
	}
}

func TestWorkerRetriesThenFailsTerminally(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(sub)

	jobID, err := h.pipeline.EnqueueJob("user-1", "file-1", models.KindImage,
		filepath.Join(h.uploads, "does-not-exist.png"), []string{"128x128"})
	require.NoError(t, err)

	// both attempts fail; after the second the job stays failed for good
	job := h.waitForStatus(t, jobID, models.StatusFailed)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "not found")

	sawFailed := false
	deadline := time.After(15 * time.Second)
	for !sawFailed {
		select {
		case msg := <-sub.C:
			if msg.Topic == events.TopicJobFailed && msg.JobID == jobID {
				sawFailed = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for job-failed event")
		}
	}
}

func TestWorkerTimesOutSlowJob(t *testing.T) {
	// a frame extractor that sleeps far past the worker's job deadline
	stub := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nsleep 30\n"), 0755))
	extractor := media.NewFrameExtractor(stub, "00:00:01", time.Minute)

	h := newHarnessWith(t, harnessOpts{extractor: extractor, jobTimeout: 300 * time.Millisecond})

	videoPath := filepath.Join(h.uploads, "clip.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("fake video bytes"), 0644))

	jobID, err := h.pipeline.EnqueueJob("user-1", "file-1", models.KindVideo, videoPath, []string{"128x128"})
	require.NoError(t, err)

	job := h.waitForStatus(t, jobID, models.StatusFailed)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "timed out")
}

func TestRetryEndpointFlow(t *testing.T) {
	h := newHarness(t)

	// register the file so retry can rebuild the envelope after we fix it
	src := filepath.Join(h.uploads, "late.png")
	require.NoError(t, h.files.Create(&models.File{
		ID:           "file-late",
		UserID:       "user-1",
		OriginalName: "late.png",
		StoredName:   "late.png",
		MimeType:     "image/png",
		Path:         src,
		Kind:         models.KindImage,
	}))

	jobID, err := h.pipeline.EnqueueJob("user-1", "file-late", models.KindImage, src, []string{"128x128"})
	require.NoError(t, err)
	h.waitForStatus(t, jobID, models.StatusFailed)

	// the file shows up late; a manual retry should now succeed
	h.writeImage(t, "late.png")
	require.NoError(t, h.pipeline.RetryJob(jobID))

	job := h.waitForStatus(t, jobID, models.StatusCompleted)
	require.Len(t, job.Thumbnails, 1)
}

// stuckQueue hands out one entry and then fails every progress report,
// recording how the worker settles the reservation
type stuckQueue struct {
	mu      sync.Mutex
	entries chan stuckEntry
	nacks   []error
	acks    int
}

type stuckEntry struct {
	entry   *queue.Entry
	payload []byte
}

func (f *stuckQueue) Reserve(ctx context.Context) (*queue.Entry, []byte, error) {
	select {
	case e := <-f.entries:
		return e.entry, e.payload, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (f *stuckQueue) Ack(entry *queue.Entry, returnValue []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *stuckQueue) Nack(entry *queue.Entry, jobErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, jobErr)
	return nil
}

func (f *stuckQueue) UpdateProgress(entry *queue.Entry, percent int) error {
	return errors.New("database is locked")
}

func TestWorkerSettlesEntryWhenProgressReportingBreaks(t *testing.T) {
	tmp := t.TempDir()
	gormDB, err := database.InitGormDB(filepath.Join(tmp, "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrateModels(gormDB))
	jobs := repository.NewJobRepository(gormDB)

	job, err := jobs.Create("user-1", "file-1", []string{"128x128"})
	require.NoError(t, err)
	require.NoError(t, jobs.SetStatus(job.ID, models.StatusQueued, repository.StatusPatch{}))

	payload, err := json.Marshal(workers.Envelope{
		JobID:  job.ID,
		FileID: "file-1",
		UserID: "user-1",
		Kind:   models.KindImage,
	})
	require.NoError(t, err)

	fq := &stuckQueue{entries: make(chan stuckEntry, 1)}
	fq.entries <- stuckEntry{entry: &queue.Entry{JobID: job.ID, Attempt: 1}, payload: payload}

	store, err := media.NewLocalStorage(filepath.Join(tmp, "uploads"), "thumbnails")
	require.NoError(t, err)
	processor := media.NewProcessor(store, nil, tmp, 128, 80)

	worker := workers.NewThumbnailWorker(fq, jobs, processor, events.NewBus(), 1, 5*time.Second, time.Second, "/uploads/thumbnails/")
	worker.Start()
	t.Cleanup(worker.Stop)

	// a broken progress report must settle the attempt via Nack instead of
	// leaving the reservation for the stall janitor
	require.Eventually(t, func() bool {
		fq.mu.Lock()
		defer fq.mu.Unlock()
		return len(fq.nacks) == 1
	}, 5*time.Second, 20*time.Millisecond)

	fq.mu.Lock()
	nackErr := fq.nacks[0]
	acks := fq.acks
	fq.mu.Unlock()
	assert.Zero(t, acks)
	require.Error(t, nackErr)
	assert.Contains(t, nackErr.Error(), "progress update failed")

	got, err := jobs.GetByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}
