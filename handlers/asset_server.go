package handlers

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AssetServer serves stored media from baseDir. routePrefix is the mounted
// route up to and including the trailing slash, e.g. "/uploads/"; the
// remainder of the request path is the asset path relative to baseDir, so a
// single mount covers originals and the thumbnails subdirectory.
func AssetServer(baseDir, routePrefix string) http.HandlerFunc {
	cleanBase := filepath.Clean(baseDir)
	log.Printf("Serving assets for '%s*' from directory: %s", routePrefix, cleanBase)

	return func(w http.ResponseWriter, r *http.Request) {
		relativePath := strings.TrimPrefix(r.URL.Path, routePrefix)
		if relativePath == "" || strings.Contains(relativePath, "..") {
			WriteAPIError(w, http.StatusBadRequest, "invalid_path", "Invalid asset path")
			return
		}

		assetPath := filepath.Clean(filepath.Join(cleanBase, relativePath))
		if !strings.HasPrefix(assetPath, cleanBase) {
			log.Printf("SECURITY: attempted asset access outside storage: request='%s' resolved='%s'", r.URL.Path, assetPath)
			WriteAPIError(w, http.StatusForbidden, "forbidden", "Forbidden")
			return
		}

		info, err := os.Stat(assetPath)
		if os.IsNotExist(err) || (err == nil && info.IsDir()) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			log.Printf("Error stating asset file %s: %v", assetPath, err)
			WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error")
			return
		}

		cacheDuration := 24 * time.Hour
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(cacheDuration.Seconds())))
		w.Header().Set("Expires", time.Now().Add(cacheDuration).Format(http.TimeFormat))

		http.ServeFile(w, r, assetPath)
	}
}
