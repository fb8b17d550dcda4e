package repository

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/camden-git/thumbworks/database"
	"github.com/camden-git/thumbworks/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.InitGormDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrateModels(db))
	return db
}

func TestCreateStartsPending(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))

	job, err := repo.Create("user-1", "file-1", []string{"128x128"})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Nil(t, job.Error)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Equal(t, []string{"128x128"}, job.ThumbnailSizes)
}

func TestSetStatusHappyPath(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	job, err := repo.Create("user-1", "file-1", []string{"128x128"})
	require.NoError(t, err)

	require.NoError(t, repo.SetStatus(job.ID, models.StatusQueued, StatusPatch{}))

	ten := 10
	require.NoError(t, repo.SetStatus(job.ID, models.StatusProcessing, StatusPatch{Progress: &ten}))

	got, err := repo.GetByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 10, got.Progress)
	require.NotNil(t, got.StartedAt, "startedAt must be stamped on entering processing")

	full := 100
	require.NoError(t, repo.SetStatus(job.ID, models.StatusCompleted, StatusPatch{Progress: &full}))

	got, err = repo.GetByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt, "completedAt must be stamped on terminal status")
}

func TestSetStatusRejectsIllegalTransitions(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	job, err := repo.Create("user-1", "file-1", nil)
	require.NoError(t, err)

	// pending -> completed skips the whole lifecycle
	err = repo.SetStatus(job.ID, models.StatusCompleted, StatusPatch{})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	require.NoError(t, repo.SetStatus(job.ID, models.StatusQueued, StatusPatch{}))
	require.NoError(t, repo.SetStatus(job.ID, models.StatusProcessing, StatusPatch{}))
	require.NoError(t, repo.SetStatus(job.ID, models.StatusCompleted, StatusPatch{}))

	// terminal states are final
	err = repo.SetStatus(job.ID, models.StatusProcessing, StatusPatch{})
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestSetStatusFailedRecordsError(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	job, err := repo.Create("user-1", "file-1", nil)
	require.NoError(t, err)
	require.NoError(t, repo.SetStatus(job.ID, models.StatusQueued, StatusPatch{}))
	require.NoError(t, repo.SetStatus(job.ID, models.StatusProcessing, StatusPatch{}))

	msg := "input file not found: /tmp/gone.jpg"
	require.NoError(t, repo.SetStatus(job.ID, models.StatusFailed, StatusPatch{Error: &msg}))

	got, err := repo.GetByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, msg, *got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestResetForRetry(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	job, err := repo.Create("user-1", "file-1", nil)
	require.NoError(t, err)

	// only failed jobs can be reset
	err = repo.ResetForRetry(job.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	require.NoError(t, repo.SetStatus(job.ID, models.StatusQueued, StatusPatch{}))
	require.NoError(t, repo.SetStatus(job.ID, models.StatusProcessing, StatusPatch{}))
	msg := "boom"
	require.NoError(t, repo.SetStatus(job.ID, models.StatusFailed, StatusPatch{Error: &msg}))

	require.NoError(t, repo.ResetForRetry(job.ID))

	got, err := repo.GetByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestDeleteCascadesThumbnails(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	job, err := repo.Create("user-1", "file-1", nil)
	require.NoError(t, err)

	require.NoError(t, repo.AppendThumbnail(job.ID, &models.Thumbnail{
		FileID:   "file-1",
		Size:     "128x128",
		Width:    128,
		Height:   128,
		Filename: "thumb_x.jpg",
		Path:     "thumbnails/thumb_x.jpg",
		URL:      "/uploads/thumbnails/thumb_x.jpg",
	}))

	got, err := repo.GetByID(job.ID)
	require.NoError(t, err)
	require.Len(t, got.Thumbnails, 1)

	require.NoError(t, repo.Delete(job.ID))

	_, err = repo.GetByID(job.ID)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	var count int64
	require.NoError(t, db.Model(&models.Thumbnail{}).Where("job_id = ?", job.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDeleteMissingJob(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	err := repo.Delete("nope")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestListByUserScopesAndOrders(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))

	first, err := repo.Create("user-1", "file-1", nil)
	require.NoError(t, err)
	_, err = repo.Create("user-2", "file-2", nil)
	require.NoError(t, err)

	jobs, err := repo.ListByUser("user-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.ID, jobs[0].ID)
}
