package models

// File represents an uploaded original in the database using GORM.
// It corresponds to the 'files' table. File records are immutable after
// creation except for the optional metadata columns filled in by the
// upload boundary's EXIF probe.
type File struct {
	ID           string   `gorm:"primaryKey" json:"id"`
	UserID       string   `gorm:"not null;index" json:"user_id"`
	OriginalName string   `gorm:"not null" json:"original_name"`
	StoredName   string   `gorm:"not null;unique" json:"stored_name"` // <uuid><ext>
	MimeType     string   `gorm:"not null" json:"mime_type"`
	Size         int64    `gorm:"not null" json:"size"`
	Path         string   `gorm:"not null" json:"-"` // absolute storage path
	Kind         FileKind `gorm:"not null" json:"kind"`

	Width   *int   `gorm:"" json:"width,omitempty"`    // Nullable
	Height  *int   `gorm:"" json:"height,omitempty"`   // Nullable
	TakenAt *int64 `gorm:"" json:"taken_at,omitempty"` // Nullable, Unix timestamp

	CreatedAt int64 `gorm:"not null" json:"created_at"` // Unix timestamp
}

// TableName explicitly sets the table name for GORM.
func (File) TableName() string {
	return "files"
}
