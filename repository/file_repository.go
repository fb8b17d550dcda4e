package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/thumbworks/models"
)

// FileRepository handles database operations for File entities
type FileRepository struct {
	DB *gorm.DB
}

// NewFileRepository creates a new instance of FileRepository
func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{DB: db}
}

// Create inserts a new file record
func (r *FileRepository) Create(file *models.File) error {
	if file.CreatedAt == 0 {
		file.CreatedAt = time.Now().Unix()
	}
	if err := r.DB.Create(file).Error; err != nil {
		return fmt.Errorf("failed to create file record %s: %w", file.ID, err)
	}
	return nil
}

// GetByID retrieves a file record by id
func (r *FileRepository) GetByID(fileID string) (*models.File, error) {
	var file models.File
	err := r.DB.Where("id = ?", fileID).First(&file).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get file %s: %w", fileID, err)
	}
	return &file, nil
}

// ListByUser retrieves all files owned by a user, newest first
func (r *FileRepository) ListByUser(userID string) ([]models.File, error) {
	var files []models.File
	err := r.DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list files for user %s: %w", userID, err)
	}
	return files, nil
}

// UpdateMetadata fills in the optional dimension/EXIF columns after upload
func (r *FileRepository) UpdateMetadata(fileID string, width, height *int, takenAt *int64) error {
	updates := map[string]interface{}{
		"width":    width,
		"height":   height,
		"taken_at": takenAt,
	}
	result := r.DB.Model(&models.File{}).Where("id = ?", fileID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update metadata for file %s: %w", fileID, result.Error)
	}
	return nil
}

// Delete removes a file record by id
func (r *FileRepository) Delete(fileID string) error {
	result := r.DB.Where("id = ?", fileID).Delete(&models.File{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete file record %s: %w", fileID, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
