package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/camden-git/thumbworks/events"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// EntryState is the lifecycle state of a queue entry
type EntryState string

const (
	StateWaiting   EntryState = "waiting"
	StateActive    EntryState = "active"
	StateDelayed   EntryState = "delayed"
	StateCompleted EntryState = "completed"
	StateFailed    EntryState = "failed"
)

var (
	// ErrDuplicateJob is returned when the job already has a live entry
	ErrDuplicateJob = errors.New("job already has a live queue entry")
	// ErrAlreadyAcked is returned when an entry was already acked, nacked,
	// or reclaimed by stall detection
	ErrAlreadyAcked = errors.New("queue entry already settled")
	// ErrClosed is returned from Reserve after Close
	ErrClosed = errors.New("queue is closed")
)

// Options configures retry and stall behaviour
type Options struct {
	MaxAttempts int           // total attempts before an entry fails terminally
	BackoffBase time.Duration // exponential backoff base for Nack rescheduling
	StallWindow time.Duration // silence window after which an active entry is reclaimed
}

// EnqueueOpts are per-entry scheduling options. Priority only tie-breaks
// entries created in the same millisecond; the queue is globally FIFO.
type EnqueueOpts struct {
	Priority int
	Delay    time.Duration
}

// Entry is a reservation handle. The holder must settle it with exactly one
// Ack or Nack; a reclaimed (stalled) entry rejects both with ErrAlreadyAcked.
type Entry struct {
	JobID   string
	Attempt int // 1-based attempt number of this reservation
	token   int64
}

// Queue is a durable FIFO of job ids backed by a SQLite table. Each jobId
// has at most one live entry. Reservations emit job-active on the bus;
// the final failed attempt emits job-failed. Completion events are the
// worker's responsibility so they are published exactly once, after the
// job store update.
type Queue struct {
	db   *sql.DB
	bus  *events.Bus
	opts Options

	mu       sync.Mutex
	tokens   map[string]int64 // jobID -> live reservation token
	tokenSeq int64
	paused   bool
	closed   bool

	notify      chan struct{}
	stopJanitor chan struct{}
	janitorDone chan struct{}
}

const schema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	state TEXT NOT NULL DEFAULT 'waiting',
	priority INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	ready_at_ms INTEGER NOT NULL,
	keepalive_at_ms INTEGER,
	last_error TEXT,
	result TEXT,
	finished_at_ms INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_live_job
	ON queue_entries(job_id) WHERE state IN ('waiting','delayed','active');
CREATE INDEX IF NOT EXISTS idx_queue_state_ready
	ON queue_entries(state, ready_at_ms);
`

// New creates the queue, its table, and starts the stall/delay janitor
func New(db *sql.DB, bus *events.Bus, opts Options) (*Queue, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.StallWindow <= 0 {
		opts.StallWindow = 5 * time.Minute
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create queue table: %w", err)
	}

	q := &Queue{
		db:          db,
		bus:         bus,
		opts:        opts,
		tokens:      make(map[string]int64),
		notify:      make(chan struct{}, 1),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}

	// interrupted active entries from a previous process have no live
	// token; hand them straight back to the waiting set
	if err := q.recoverInterrupted(); err != nil {
		return nil, err
	}

	go q.janitor()
	return q, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (q *Queue) recoverInterrupted() error {
	sqlStr, args, err := psql.Update("queue_entries").
		Set("state", StateWaiting).
		Set("keepalive_at_ms", nil).
		Where(sq.Eq{"state": StateActive}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build recovery query: %w", err)
	}
	res, err := q.db.Exec(sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted queue entries: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("queue: returned %d interrupted entries to the waiting set", n)
	}
	return nil
}

// Enqueue adds a job to the queue. A jobId with a live entry is rejected
// with ErrDuplicateJob; callers that treat re-enqueue as a no-op should
// check for it with errors.Is.
func (q *Queue) Enqueue(jobID string, payload []byte, opts EnqueueOpts) error {
	now := nowMs()
	state := StateWaiting
	readyAt := now
	if opts.Delay > 0 {
		state = StateDelayed
		readyAt = now + opts.Delay.Milliseconds()
	}

	sqlStr, args, err := psql.Insert("queue_entries").
		Columns("job_id", "payload", "state", "priority", "attempts", "created_at_ms", "ready_at_ms").
		Values(jobID, payload, state, opts.Priority, 0, now, readyAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build enqueue query: %w", err)
	}

	if _, err := q.db.Exec(sqlStr, args...); err != nil {
		// the partial unique index enforces at most one live entry per job
		if isUniqueViolation(err) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	q.wake()
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Reserve blocks until an entry is available or ctx is cancelled. The queue
// emits job-active on the bus before returning. The caller must settle the
// entry with exactly one Ack or Nack.
func (q *Queue) Reserve(ctx context.Context) (*Entry, []byte, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		closed, paused := q.closed, q.paused
		q.mu.Unlock()
		if closed {
			return nil, nil, ErrClosed
		}

		if !paused {
			entry, payload, err := q.tryReserve()
			if err != nil {
				return nil, nil, err
			}
			if entry != nil {
				q.bus.Publish(events.TopicJobActive, entry.JobID, events.ActiveEvent{JobID: entry.JobID})
				return entry, payload, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// tryReserve claims the head of the waiting set, or returns nil when empty
func (q *Queue) tryReserve() (*Entry, []byte, error) {
	now := nowMs()

	sqlStr, args, err := psql.Select("seq", "job_id", "payload", "attempts").
		From("queue_entries").
		Where(sq.Eq{"state": StateWaiting}).
		Where(sq.LtOrEq{"ready_at_ms": now}).
		OrderBy("created_at_ms ASC", "priority DESC", "seq ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build reserve query: %w", err)
	}

	var seq int64
	var jobID string
	var payload []byte
	var attempts int
	err = q.db.QueryRow(sqlStr, args...).Scan(&seq, &jobID, &payload, &attempts)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query waiting entries: %w", err)
	}

	updStr, updArgs, err := psql.Update("queue_entries").
		Set("state", StateActive).
		Set("attempts", attempts+1).
		Set("keepalive_at_ms", now).
		Where(sq.Eq{"seq": seq, "state": StateWaiting}).
		ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build claim query: %w", err)
	}
	res, err := q.db.Exec(updStr, updArgs...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to claim queue entry for job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// another worker claimed it between the select and the update
		return nil, nil, nil
	}

	q.mu.Lock()
	q.tokenSeq++
	token := q.tokenSeq
	q.tokens[jobID] = token
	q.mu.Unlock()

	return &Entry{JobID: jobID, Attempt: attempts + 1, token: token}, payload, nil
}

// settle consumes the reservation token; the second settle attempt for the
// same reservation observes ErrAlreadyAcked
func (q *Queue) settle(entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tokens[entry.JobID] != entry.token {
		return ErrAlreadyAcked
	}
	delete(q.tokens, entry.JobID)
	return nil
}

// Ack marks the entry completed and records the return value
func (q *Queue) Ack(entry *Entry, returnValue []byte) error {
	if err := q.settle(entry); err != nil {
		return err
	}

	sqlStr, args, err := psql.Update("queue_entries").
		Set("state", StateCompleted).
		Set("result", returnValue).
		Set("finished_at_ms", nowMs()).
		Where(sq.Eq{"job_id": entry.JobID, "state": StateActive}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build ack query: %w", err)
	}
	if _, err := q.db.Exec(sqlStr, args...); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", entry.JobID, err)
	}
	return nil
}

// Nack reports a failed attempt. With attempts remaining the entry is
// rescheduled with exponential backoff; otherwise it fails terminally and
// job-failed is emitted on the bus.
func (q *Queue) Nack(entry *Entry, jobErr error) error {
	if err := q.settle(entry); err != nil {
		return err
	}

	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}

	if entry.Attempt >= q.opts.MaxAttempts {
		sqlStr, args, err := psql.Update("queue_entries").
			Set("state", StateFailed).
			Set("last_error", errMsg).
			Set("finished_at_ms", nowMs()).
			Where(sq.Eq{"job_id": entry.JobID, "state": StateActive}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build fail query: %w", err)
		}
		if _, err := q.db.Exec(sqlStr, args...); err != nil {
			return fmt.Errorf("failed to fail job %s: %w", entry.JobID, err)
		}

		q.bus.Publish(events.TopicJobFailed, entry.JobID, events.FailedEvent{
			JobID:    entry.JobID,
			Error:    errMsg,
			Status:   "failed",
			Progress: 0,
		})
		return nil
	}

	backoff := q.opts.BackoffBase * (1 << (entry.Attempt - 1))
	sqlStr, args, err := psql.Update("queue_entries").
		Set("state", StateDelayed).
		Set("ready_at_ms", nowMs()+backoff.Milliseconds()).
		Set("keepalive_at_ms", nil).
		Set("last_error", errMsg).
		Where(sq.Eq{"job_id": entry.JobID, "state": StateActive}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build reschedule query: %w", err)
	}
	if _, err := q.db.Exec(sqlStr, args...); err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", entry.JobID, err)
	}

	log.Printf("queue: job %s attempt %d/%d failed, retrying in %s: %s",
		entry.JobID, entry.Attempt, q.opts.MaxAttempts, backoff, errMsg)
	return nil
}

// UpdateProgress refreshes the stall timer and emits job-progress. It does
// not consume the reservation.
func (q *Queue) UpdateProgress(entry *Entry, percent int) error {
	q.mu.Lock()
	live := q.tokens[entry.JobID] == entry.token
	q.mu.Unlock()
	if !live {
		return ErrAlreadyAcked
	}

	sqlStr, args, err := psql.Update("queue_entries").
		Set("keepalive_at_ms", nowMs()).
		Where(sq.Eq{"job_id": entry.JobID, "state": StateActive}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build keepalive query: %w", err)
	}
	if _, err := q.db.Exec(sqlStr, args...); err != nil {
		return fmt.Errorf("failed to refresh keepalive for job %s: %w", entry.JobID, err)
	}

	q.bus.Publish(events.TopicJobProgress, entry.JobID, events.ProgressEvent{
		JobID:    entry.JobID,
		Progress: percent,
	})
	return nil
}

// Remove deletes a waiting or delayed entry. Active entries are left to
// their worker; terminal entries are left to Clean.
func (q *Queue) Remove(jobID string) error {
	sqlStr, args, err := psql.Delete("queue_entries").
		Where(sq.Eq{"job_id": jobID}).
		Where(sq.Eq{"state": []EntryState{StateWaiting, StateDelayed}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build remove query: %w", err)
	}
	if _, err := q.db.Exec(sqlStr, args...); err != nil {
		return fmt.Errorf("failed to remove job %s from queue: %w", jobID, err)
	}
	return nil
}

// Pause stops reservations; entries keep accumulating
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	log.Println("queue: paused")
}

// Resume re-enables reservations
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
	log.Println("queue: resumed")
}

// Clean deletes terminal entries of the given state finished before the cutoff
func (q *Queue) Clean(olderThan time.Duration, state EntryState) (int64, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, fmt.Errorf("clean only applies to terminal states, got %q", state)
	}
	cutoff := nowMs() - olderThan.Milliseconds()
	sqlStr, args, err := psql.Delete("queue_entries").
		Where(sq.Eq{"state": state}).
		Where(sq.LtOrEq{"finished_at_ms": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build clean query: %w", err)
	}
	res, err := q.db.Exec(sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clean %s entries: %w", state, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close stops the janitor and unblocks reservers
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopJanitor)
	<-q.janitorDone
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// janitor promotes due delayed entries and reclaims stalled active ones
func (q *Queue) janitor() {
	defer close(q.janitorDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopJanitor:
			return
		case <-ticker.C:
			if err := q.promoteDelayed(); err != nil {
				log.Printf("queue: janitor failed to promote delayed entries: %v", err)
			}
			if err := q.reclaimStalled(); err != nil {
				log.Printf("queue: janitor failed to reclaim stalled entries: %v", err)
			}
		}
	}
}

func (q *Queue) promoteDelayed() error {
	sqlStr, args, err := psql.Update("queue_entries").
		Set("state", StateWaiting).
		Where(sq.Eq{"state": StateDelayed}).
		Where(sq.LtOrEq{"ready_at_ms": nowMs()}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := q.db.Exec(sqlStr, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.wake()
	}
	return nil
}

// reclaimStalled returns silent active entries to the waiting set. The
// reservation already counted an attempt; an entry out of attempts fails
// terminally instead of spinning forever.
func (q *Queue) reclaimStalled() error {
	cutoff := nowMs() - q.opts.StallWindow.Milliseconds()

	sqlStr, args, err := psql.Select("seq", "job_id", "attempts").
		From("queue_entries").
		Where(sq.Eq{"state": StateActive}).
		Where(sq.LtOrEq{"keepalive_at_ms": cutoff}).
		ToSql()
	if err != nil {
		return err
	}
	rows, err := q.db.Query(sqlStr, args...)
	if err != nil {
		return err
	}
	type stalled struct {
		seq      int64
		jobID    string
		attempts int
	}
	var found []stalled
	for rows.Next() {
		var s stalled
		if err := rows.Scan(&s.seq, &s.jobID, &s.attempts); err != nil {
			rows.Close()
			return err
		}
		found = append(found, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range found {
		// invalidate the holder's reservation so a late Ack/Nack is rejected
		q.mu.Lock()
		delete(q.tokens, s.jobID)
		q.mu.Unlock()

		log.Printf("queue: job %s stalled on attempt %d/%d", s.jobID, s.attempts, q.opts.MaxAttempts)

		if s.attempts >= q.opts.MaxAttempts {
			updStr, updArgs, err := psql.Update("queue_entries").
				Set("state", StateFailed).
				Set("last_error", "job stalled").
				Set("finished_at_ms", nowMs()).
				Where(sq.Eq{"seq": s.seq, "state": StateActive}).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := q.db.Exec(updStr, updArgs...); err != nil {
				return err
			}
			q.bus.Publish(events.TopicJobFailed, s.jobID, events.FailedEvent{
				JobID:    s.jobID,
				Error:    "job stalled",
				Status:   "failed",
				Progress: 0,
			})
			continue
		}

		updStr, updArgs, err := psql.Update("queue_entries").
			Set("state", StateWaiting).
			Set("keepalive_at_ms", nil).
			Where(sq.Eq{"seq": s.seq, "state": StateActive}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := q.db.Exec(updStr, updArgs...); err != nil {
			return err
		}
	}

	if len(found) > 0 {
		q.wake()
	}
	return nil
}
