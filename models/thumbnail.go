package models

// Thumbnail is an immutable artifact record produced by a completed job.
// It corresponds to the 'thumbnails' table. Thumbnails are owned by their
// job and deleted with it (cascade); the referenced file is not owned.
type Thumbnail struct {
	ID     string `gorm:"primaryKey" json:"id"`
	JobID  string `gorm:"not null;index" json:"job_id"`
	FileID string `gorm:"not null;index" json:"file_id"`

	Size   string `gorm:"not null" json:"size"` // "WxH"
	Width  int    `gorm:"not null" json:"width"`
	Height int    `gorm:"not null" json:"height"`

	Filename string `gorm:"not null" json:"filename"` // thumb_<uuid>.{jpg|png}
	// Path is stored relative to the storage root rather than absolute;
	// the store resolves it for serving and deletion
	Path string `gorm:"not null" json:"-"`
	URL  string `gorm:"not null" json:"url"` // server-relative, /uploads/thumbnails/<filename>

	CreatedAt int64 `gorm:"not null" json:"created_at"` // Unix timestamp
}

// TableName explicitly sets the table name for GORM.
func (Thumbnail) TableName() string {
	return "thumbnails"
}
