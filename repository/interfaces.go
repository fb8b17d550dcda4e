package repository

import (
	"github.com/camden-git/thumbworks/models"
)

// StatusPatch carries the optional fields a status transition may update.
// Nil fields are left untouched; SetStatus stamps startedAt/completedAt
// itself according to the timestamp policy when they are nil.
type StatusPatch struct {
	Progress    *int
	Error       *string
	StartedAt   *int64
	CompletedAt *int64
}

// JobRepositoryInterface defines the methods for job data operations.
// All mutations are atomic at record granularity and enforce the job
// lifecycle DAG; illegal transitions fail with models.ErrInvalidTransition.
type JobRepositoryInterface interface {
	Create(userID, fileID string, thumbnailSizes []string) (*models.Job, error)
	GetByID(jobID string) (*models.Job, error)
	ListByUser(userID string) ([]models.Job, error)
	SetStatus(jobID string, newStatus models.JobStatus, patch StatusPatch) error
	AppendThumbnail(jobID string, thumb *models.Thumbnail) error
	ResetForRetry(jobID string) error
	Delete(jobID string) error
}

// FileRepositoryInterface defines the methods for file data operations
type FileRepositoryInterface interface {
	Create(file *models.File) error
	GetByID(fileID string) (*models.File, error)
	ListByUser(userID string) ([]models.File, error)
	UpdateMetadata(fileID string, width, height *int, takenAt *int64) error
	Delete(fileID string) error
}
