package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const DefaultThumbnailsSubDir = "thumbnails"

const (
	defaultThumbnailSize     = 128
	defaultThumbnailQuality  = 80
	defaultVideoCaptureTime  = "00:00:01"
	defaultWorkerConcurrency = 1
	defaultMaxAttempts       = 3
	defaultBackoffBaseMs     = 2000
	defaultJobTimeoutMs      = 300000
	defaultVideoTimeoutMs    = 60000
	defaultShutdownDrainMs   = 30000
	defaultMaxFileSize       = 100 << 20 // 100 MiB
)

type Config struct {
	// filesystem roots
	UploadDir    string // original uploads, one file per fileId
	ThumbnailDir string // generated artifacts (UploadDir/thumbnails)

	// database path
	DatabasePath string

	// thumbnail generation settings
	ThumbnailSize    int
	ThumbnailQuality int
	VideoCaptureTime string
	FFmpegPath       string

	// queue / worker settings
	WorkerConcurrency      int
	MaxAttempts            int
	BackoffBase            time.Duration
	JobTimeout             time.Duration
	VideoExtractionTimeout time.Duration
	ShutdownDrain          time.Duration

	// upload boundary constraints
	MaxFileSize       int64
	AllowedImageTypes []string
	AllowedVideoTypes []string

	// auth
	JWTSecret string
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvListOrDefault(envVar string, defaultVal []string) []string {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	parts := strings.Split(valStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func LoadConfig() (Config, error) {
	uploadDir := getEnvOrDefault("UPLOAD_DIR", filepath.Join(".", "uploads"))
	absUploadDir, err := filepath.Abs(uploadDir)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for upload dir '%s': %w", uploadDir, err)
	}

	thumbSubDir := getEnvOrDefault("THUMBNAILS_SUBDIR", DefaultThumbnailsSubDir)
	absThumbnailDir := filepath.Join(absUploadDir, thumbSubDir)

	dbPath := getEnvOrDefault("DATABASE_PATH", "thumbworks.db")

	cfg := Config{
		UploadDir:    absUploadDir,
		ThumbnailDir: absThumbnailDir,
		DatabasePath: dbPath,

		ThumbnailSize:    getEnvIntOrDefault("THUMBNAIL_SIZE", defaultThumbnailSize),
		ThumbnailQuality: getEnvIntOrDefault("THUMBNAIL_QUALITY", defaultThumbnailQuality),
		VideoCaptureTime: getEnvOrDefault("VIDEO_CAPTURE_TIME", defaultVideoCaptureTime),
		FFmpegPath:       getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),

		WorkerConcurrency:      getEnvIntOrDefault("WORKER_CONCURRENCY", defaultWorkerConcurrency),
		MaxAttempts:            getEnvIntOrDefault("MAX_ATTEMPTS", defaultMaxAttempts),
		BackoffBase:            time.Duration(getEnvIntOrDefault("BACKOFF_BASE_MS", defaultBackoffBaseMs)) * time.Millisecond,
		JobTimeout:             time.Duration(getEnvIntOrDefault("JOB_TIMEOUT_MS", defaultJobTimeoutMs)) * time.Millisecond,
		VideoExtractionTimeout: time.Duration(getEnvIntOrDefault("VIDEO_EXTRACTION_TIMEOUT_MS", defaultVideoTimeoutMs)) * time.Millisecond,
		ShutdownDrain:          time.Duration(getEnvIntOrDefault("SHUTDOWN_DRAIN_MS", defaultShutdownDrainMs)) * time.Millisecond,

		MaxFileSize: int64(getEnvIntOrDefault("MAX_FILE_SIZE", defaultMaxFileSize)),
		AllowedImageTypes: getEnvListOrDefault("ALLOWED_IMAGE_TYPES", []string{
			"image/jpeg", "image/png", "image/gif", "image/bmp", "image/tiff", "image/webp",
		}),
		AllowedVideoTypes: getEnvListOrDefault("ALLOWED_VIDEO_TYPES", []string{
			"video/mp4", "video/quicktime", "video/webm", "video/x-matroska", "video/x-msvideo",
		}),

		JWTSecret: getEnvOrDefault("JWT_SECRET", ""),
	}

	return cfg, nil
}
