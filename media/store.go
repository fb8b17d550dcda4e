package media

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Store defines the interface for saving, retrieving, and deleting media
// assets. Originals live at the storage root, thumbnails in a subdirectory.
type Store interface {
	// Save stores data under the asset type's directory and returns the
	// relative path used
	Save(assetType AssetType, filename string, data io.Reader) (string, error)
	// Get retrieves a reader for an asset
	Get(relativePath string) (io.ReadCloser, os.FileInfo, error)
	// Delete removes an asset; missing files are not an error
	Delete(relativePath string) error
	// FullPath returns the absolute filesystem path for a relative asset path
	FullPath(relativePath string) (string, error)
	// EnsureDir makes sure the asset type's directory exists
	EnsureDir(assetType AssetType) (string, error)
}

// LocalStorage implements Store on the local filesystem
type LocalStorage struct {
	basePath string
	dirs     map[AssetType]string
}

// NewLocalStorage roots the store at basePath and creates the asset
// directories up front
func NewLocalStorage(basePath string, thumbnailSubDir string) (*LocalStorage, error) {
	absBasePath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base storage path '%s': %w", basePath, err)
	}

	if err := os.MkdirAll(absBasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base storage directory '%s': %w", absBasePath, err)
	}

	ls := &LocalStorage{
		basePath: absBasePath,
		dirs: map[AssetType]string{
			AssetTypeOriginal:  ".",
			AssetTypeThumbnail: thumbnailSubDir,
		},
	}
	for assetType := range ls.dirs {
		if _, err := ls.EnsureDir(assetType); err != nil {
			return nil, err
		}
	}

	log.Printf("media.store: initialized local storage at %s", absBasePath)
	return ls, nil
}

func (ls *LocalStorage) assetDir(assetType AssetType) (string, error) {
	subDir, ok := ls.dirs[assetType]
	if !ok {
		return "", fmt.Errorf("unknown asset type '%s'", assetType)
	}
	dirPath := filepath.Join(ls.basePath, subDir)
	if !strings.HasPrefix(filepath.Clean(dirPath), ls.basePath) {
		return "", fmt.Errorf("asset type '%s' resolves outside base path", assetType)
	}
	return dirPath, nil
}

// EnsureDir creates the directory for the asset type if it doesn't exist
func (ls *LocalStorage) EnsureDir(assetType AssetType) (string, error) {
	dirPath, err := ls.assetDir(assetType)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return "", fmt.Errorf("failed to ensure directory '%s': %w", dirPath, err)
	}
	return dirPath, nil
}

// Save writes data to the asset type's directory under filename. A partial
// file left by a failed write is removed.
func (ls *LocalStorage) Save(assetType AssetType, filename string, data io.Reader) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename cannot be empty")
	}
	if filepath.Base(filename) != filename {
		return "", fmt.Errorf("invalid filename '%s'", filename)
	}

	dirPath, err := ls.EnsureDir(assetType)
	if err != nil {
		return "", err
	}

	fullSavePath := filepath.Join(dirPath, filename)
	outFile, err := os.Create(fullSavePath)
	if err != nil {
		return "", fmt.Errorf("failed to create destination file '%s': %w", fullSavePath, err)
	}

	if _, err := io.Copy(outFile, data); err != nil {
		outFile.Close()
		os.Remove(fullSavePath)
		return "", fmt.Errorf("failed to write data to '%s': %w", fullSavePath, err)
	}
	if err := outFile.Close(); err != nil {
		os.Remove(fullSavePath)
		return "", fmt.Errorf("failed to finalize '%s': %w", fullSavePath, err)
	}

	relativePath, err := filepath.Rel(ls.basePath, fullSavePath)
	if err != nil {
		return "", fmt.Errorf("failed to calculate relative path for '%s': %w", fullSavePath, err)
	}
	return filepath.ToSlash(relativePath), nil
}

func (ls *LocalStorage) Get(relativePath string) (io.ReadCloser, os.FileInfo, error) {
	fullPath, err := ls.FullPath(relativePath)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("asset not found at '%s': %w", relativePath, err)
		}
		return nil, nil, fmt.Errorf("failed to open asset '%s': %w", relativePath, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat asset '%s': %w", relativePath, err)
	}
	return file, info, nil
}

// Delete removes an asset file, ignoring files already gone
func (ls *LocalStorage) Delete(relativePath string) error {
	fullPath, err := ls.FullPath(relativePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	err = os.Remove(fullPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete asset '%s': %w", relativePath, err)
	}
	return nil
}

// FullPath resolves a relative asset path and rejects traversal outside the base
func (ls *LocalStorage) FullPath(relativePath string) (string, error) {
	fullPath := filepath.Join(ls.basePath, filepath.Clean(relativePath))
	absFullPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for '%s': %w", relativePath, err)
	}
	if !strings.HasPrefix(absFullPath, ls.basePath) {
		return "", fmt.Errorf("invalid path: access denied for '%s'", relativePath)
	}
	return absFullPath, nil
}
