package media

// AssetType selects the storage subdirectory an asset belongs to
type AssetType string

const (
	AssetTypeOriginal  AssetType = "original"
	AssetTypeThumbnail AssetType = "thumbnail"
)

// Metadata holds what the upload boundary extracts and persists on the
// file record: pixel dimensions and the EXIF capture time
type Metadata struct {
	Width   *int   `json:"width,omitempty"`
	Height  *int   `json:"height,omitempty"`
	TakenAt *int64 `json:"taken_at,omitempty"`
}
