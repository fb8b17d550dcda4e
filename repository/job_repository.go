package repository

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/camden-git/thumbworks/models"
)

// JobRepository handles database operations for Job and Thumbnail entities
type JobRepository struct {
	DB *gorm.DB
}

// NewJobRepository creates a new instance of JobRepository
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{DB: db}
}

// Create inserts a new job in status pending with progress 0
func (r *JobRepository) Create(userID, fileID string, thumbnailSizes []string) (*models.Job, error) {
	now := time.Now().Unix()
	job := models.Job{
		ID:             uuid.NewString(),
		UserID:         userID,
		FileID:         fileID,
		Status:         models.StatusPending,
		Progress:       0,
		ThumbnailSizes: thumbnailSizes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.DB.Create(&job).Error; err != nil {
		return nil, fmt.Errorf("failed to create job for file %s: %w", fileID, err)
	}
	return &job, nil
}

// GetByID retrieves a job with its thumbnails
func (r *JobRepository) GetByID(jobID string) (*models.Job, error) {
	var job models.Job
	err := r.DB.Preload("Thumbnails").Where("id = ?", jobID).First(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListByUser retrieves all jobs owned by a user, newest first
func (r *JobRepository) ListByUser(userID string) ([]models.Job, error) {
	var jobs []models.Job
	err := r.DB.Preload("Thumbnails").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for user %s: %w", userID, err)
	}
	return jobs, nil
}

// SetStatus moves a job to newStatus, enforcing the lifecycle DAG, and
// applies the patch. Timestamp policy: startedAt is stamped on the first
// transition to processing, completedAt on any transition to a terminal
// status; error is cleared when (re-)entering processing.
func (r *JobRepository) SetStatus(jobID string, newStatus models.JobStatus, patch StatusPatch) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", jobID).First(&job).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return err
			}
			return fmt.Errorf("failed to load job %s for status update: %w", jobID, err)
		}

		if !models.CanTransition(job.Status, newStatus) {
			return fmt.Errorf("job %s: %s -> %s: %w", jobID, job.Status, newStatus, models.ErrInvalidTransition)
		}

		now := time.Now().Unix()
		updates := map[string]interface{}{
			"status":     newStatus,
			"updated_at": now,
		}

		if patch.Progress != nil {
			updates["progress"] = *patch.Progress
		}

		switch {
		case newStatus == models.StatusProcessing:
			updates["error"] = gorm.Expr("NULL")
			if patch.StartedAt != nil {
				updates["started_at"] = *patch.StartedAt
			} else if job.StartedAt == nil {
				updates["started_at"] = now
			}
		case newStatus.IsTerminal():
			if patch.CompletedAt != nil {
				updates["completed_at"] = *patch.CompletedAt
			} else {
				updates["completed_at"] = now
			}
			if newStatus == models.StatusFailed && patch.Error != nil {
				updates["error"] = *patch.Error
			}
		}

		if err := tx.Model(&models.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update status for job %s: %w", jobID, err)
		}
		return nil
	})
}

// AppendThumbnail adds a thumbnail record owned by the job
func (r *JobRepository) AppendThumbnail(jobID string, thumb *models.Thumbnail) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", jobID).First(&job).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return err
			}
			return fmt.Errorf("failed to load job %s for thumbnail append: %w", jobID, err)
		}

		thumb.JobID = jobID
		if thumb.ID == "" {
			thumb.ID = uuid.NewString()
		}
		if thumb.CreatedAt == 0 {
			thumb.CreatedAt = time.Now().Unix()
		}

		if err := tx.Create(thumb).Error; err != nil {
			return fmt.Errorf("failed to append thumbnail to job %s: %w", jobID, err)
		}
		return nil
	})
}

// ResetForRetry returns a failed job to pending: progress 0, error and
// both timestamps cleared. Any other current status is an invalid
// transition.
func (r *JobRepository) ResetForRetry(jobID string) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("id = ?", jobID).First(&job).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return err
			}
			return fmt.Errorf("failed to load job %s for retry reset: %w", jobID, err)
		}

		if job.Status != models.StatusFailed {
			return fmt.Errorf("job %s: %s -> %s: %w", jobID, job.Status, models.StatusPending, models.ErrInvalidTransition)
		}

		updates := map[string]interface{}{
			"status":       models.StatusPending,
			"progress":     0,
			"error":        gorm.Expr("NULL"),
			"started_at":   gorm.Expr("NULL"),
			"completed_at": gorm.Expr("NULL"),
			"updated_at":   time.Now().Unix(),
		}
		if err := tx.Model(&models.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to reset job %s for retry: %w", jobID, err)
		}
		return nil
	})
}

// Delete removes a job and cascades to its owned thumbnails
func (r *JobRepository) Delete(jobID string) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&models.Thumbnail{}).Error; err != nil {
			return fmt.Errorf("failed to delete thumbnails for job %s: %w", jobID, err)
		}

		result := tx.Where("id = ?", jobID).Delete(&models.Job{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete job %s: %w", jobID, result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
