package handlers

import (
	"errors"
	"log"
	"net/http"
	"sort"

	"github.com/facette/natsort"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/camden-git/thumbworks/media"
	"github.com/camden-git/thumbworks/models"
	"github.com/camden-git/thumbworks/repository"
)

// FileHandler exposes uploaded file listings and deletion
type FileHandler struct {
	Files repository.FileRepositoryInterface
	Store media.Store
}

func NewFileHandler(files repository.FileRepositoryInterface, store media.Store) *FileHandler {
	return &FileHandler{Files: files, Store: store}
}

// List handles GET /api/files, sorted naturally by original name so
// IMG_9.jpg sorts before IMG_10.jpg
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	files, err := h.Files.ListByUser(userID)
	if err != nil {
		WriteAPIError(w, http.StatusInternalServerError, "list_failed", "Failed to list files")
		return
	}

	sort.SliceStable(files, func(i, j int) bool {
		return natsort.Compare(files[i].OriginalName, files[j].OriginalName)
	})
	WriteJSON(w, http.StatusOK, files)
}

// Get handles GET /api/files/{fileID}
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	file, ok := h.ownedFile(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, file)
}

// Delete handles DELETE /api/files/{fileID}, removing the stored original
// alongside the record
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	file, ok := h.ownedFile(w, r)
	if !ok {
		return
	}

	if err := h.Files.Delete(file.ID); err != nil {
		WriteAPIError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete file")
		return
	}
	if err := h.Store.Delete(file.StoredName); err != nil {
		// the record is already gone; an orphaned blob is not worth a 500
		log.Printf("files: failed to delete stored blob %s: %v", file.StoredName, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileHandler) ownedFile(w http.ResponseWriter, r *http.Request) (*models.File, bool) {
	userID, _ := UserIDFromContext(r.Context())
	fileID := chi.URLParam(r, "fileID")

	file, err := h.Files.GetByID(fileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			WriteAPIError(w, http.StatusNotFound, "not_found", "File not found")
			return nil, false
		}
		WriteAPIError(w, http.StatusInternalServerError, "lookup_failed", "Failed to load file")
		return nil, false
	}

	if file.UserID != userID {
		WriteAPIError(w, http.StatusNotFound, "not_found", "File not found")
		return nil, false
	}
	return file, true
}
