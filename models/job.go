package models

import "errors"

// FileKind distinguishes the two processing paths.
type FileKind string

const (
	KindImage FileKind = "image"
	KindVideo FileKind = "video"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not allowed
// by the job lifecycle DAG.
var ErrInvalidTransition = errors.New("invalid job status transition")

// validTransitions is the job lifecycle DAG. pending -> failed and
// queued -> failed cover pre-processing failures; processing -> processing
// covers progress updates within an attempt. Retries do not appear here:
// the only way back out of failed is ResetForRetry, which resets to pending.
var validTransitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusQueued, StatusProcessing, StatusFailed},
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition reports whether the job DAG allows moving from one status
// to another.
func CanTransition(from, to JobStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is completed or failed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job represents one thumbnail-generation job in the database using GORM.
// It corresponds to the 'jobs' table.
type Job struct {
	ID     string    `gorm:"primaryKey" json:"id"`
	UserID string    `gorm:"not null;index" json:"user_id"`
	FileID string    `gorm:"not null;index" json:"file_id"`
	Status JobStatus `gorm:"not null;default:pending;index" json:"status"`

	Progress int `gorm:"not null;default:0" json:"progress"` // 0..100

	// ordered WxH strings requested at enqueue time; this pipeline always
	// produces exactly one entry equal to the configured size
	ThumbnailSizes []string `gorm:"serializer:json" json:"thumbnail_sizes"`

	Error *string `gorm:"" json:"error,omitempty"` // Nullable, set iff failed

	StartedAt   *int64 `gorm:"" json:"started_at,omitempty"`   // Nullable, Unix timestamp
	CompletedAt *int64 `gorm:"" json:"completed_at,omitempty"` // Nullable, Unix timestamp
	CreatedAt   int64  `gorm:"not null;index" json:"created_at"`
	UpdatedAt   int64  `gorm:"not null" json:"updated_at"`

	// Relationships
	Thumbnails []Thumbnail `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"thumbnails"`
}

// TableName explicitly sets the table name for GORM.
func (Job) TableName() string {
	return "jobs"
}
