package handlers

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/camden-git/thumbworks/config"
	"github.com/camden-git/thumbworks/media"
	"github.com/camden-git/thumbworks/models"
	"github.com/camden-git/thumbworks/pipeline"
	"github.com/camden-git/thumbworks/repository"
)

// UploadHandler accepts media uploads and kicks off thumbnail jobs
type UploadHandler struct {
	Cfg      config.Config
	Files    repository.FileRepositoryInterface
	Store    media.Store
	Pipeline *pipeline.Pipeline
}

func NewUploadHandler(cfg config.Config, files repository.FileRepositoryInterface, store media.Store, pl *pipeline.Pipeline) *UploadHandler {
	return &UploadHandler{Cfg: cfg, Files: files, Store: store, Pipeline: pl}
}

type uploadResponse struct {
	File  *models.File `json:"file"`
	JobID string       `json:"jobId"`
}

// Upload handles POST /api/upload. The file's real type is sniffed from its
// content, not trusted from the request, and checked against the configured
// whitelists before anything is persisted.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		WriteAPIError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.Cfg.MaxFileSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteAPIError(w, http.StatusRequestEntityTooLarge, "file_too_large", "Upload exceeds the maximum allowed size")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "missing_file", "Request must include a 'file' form field")
		return
	}
	defer file.Close()

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "unreadable_file", "Could not read uploaded file")
		return
	}
	if _, err := file.Seek(0, 0); err != nil {
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to process upload")
		return
	}

	kind, allowed := h.classify(mtype.String())
	if !allowed {
		WriteAPIError(w, http.StatusUnsupportedMediaType, "unsupported_type",
			fmt.Sprintf("File type %s is not supported", mtype.String()))
		return
	}

	storedName := uuid.NewString() + mtype.Extension()
	relPath, err := h.Store.Save(media.AssetTypeOriginal, storedName, file)
	if err != nil {
		log.Printf("upload: failed to save %s: %v", header.Filename, err)
		WriteAPIError(w, http.StatusInternalServerError, "storage_error", "Failed to store upload")
		return
	}

	fullPath, err := h.Store.FullPath(relPath)
	if err != nil {
		WriteAPIError(w, http.StatusInternalServerError, "storage_error", "Failed to resolve stored file")
		return
	}

	record := &models.File{
		ID:           uuid.NewString(),
		UserID:       userID,
		OriginalName: header.Filename,
		StoredName:   storedName,
		MimeType:     mtype.String(),
		Size:         header.Size,
		Path:         fullPath,
		Kind:         kind,
	}
	if err := h.Files.Create(record); err != nil {
		h.Store.Delete(relPath)
		log.Printf("upload: failed to create file record for %s: %v", header.Filename, err)
		WriteAPIError(w, http.StatusInternalServerError, "storage_error", "Failed to record upload")
		return
	}

	if kind == models.KindImage {
		if meta, merr := media.ExtractMetadata(fullPath); merr == nil {
			if err := h.Files.UpdateMetadata(record.ID, meta.Width, meta.Height, meta.TakenAt); err != nil {
				log.Printf("upload: failed to store metadata for file %s: %v", record.ID, err)
			} else {
				record.Width = meta.Width
				record.Height = meta.Height
				record.TakenAt = meta.TakenAt
			}
		}
	}

	sizeName := fmt.Sprintf("%dx%d", h.Cfg.ThumbnailSize, h.Cfg.ThumbnailSize)
	jobID, err := h.Pipeline.EnqueueJob(userID, record.ID, kind, fullPath, []string{sizeName})
	if err != nil {
		log.Printf("upload: failed to enqueue job for file %s: %v", record.ID, err)
		WriteAPIError(w, http.StatusInternalServerError, "enqueue_error", "Failed to schedule thumbnail job")
		return
	}

	WriteJSON(w, http.StatusCreated, uploadResponse{File: record, JobID: jobID})
}

func (h *UploadHandler) classify(mime string) (models.FileKind, bool) {
	for _, allowed := range h.Cfg.AllowedImageTypes {
		if mime == allowed {
			return models.KindImage, true
		}
	}
	for _, allowed := range h.Cfg.AllowedVideoTypes {
		if mime == allowed {
			return models.KindVideo, true
		}
	}
	return "", false
}
