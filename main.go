package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/camden-git/thumbworks/config"
	"github.com/camden-git/thumbworks/database"
	"github.com/camden-git/thumbworks/events"
	"github.com/camden-git/thumbworks/handlers"
	"github.com/camden-git/thumbworks/media"
	"github.com/camden-git/thumbworks/pipeline"
	"github.com/camden-git/thumbworks/queue"
	"github.com/camden-git/thumbworks/realtime"
	"github.com/camden-git/thumbworks/repository"
	"github.com/camden-git/thumbworks/workers"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Info: No .env file found or error loading: %v", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("FATAL: JWT_SECRET must be set")
	}

	storagePaths := []string{cfg.UploadDir, cfg.ThumbnailDir, filepath.Dir(cfg.DatabasePath)}
	for _, p := range storagePaths {
		log.Printf("Ensuring storage directory exists: %s", p)
		if err := os.MkdirAll(p, 0755); err != nil {
			log.Fatalf("FATAL: Failed to create storage directory %s: %v", p, err)
		}
	}

	// plain handle for the queue table, GORM for the models
	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database: %v", err)
	}
	defer db.Close()

	gormDB, err := database.InitGormDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize GORM database: %v", err)
	}
	if err := database.AutoMigrateModels(gormDB); err != nil {
		log.Fatalf("FATAL: Failed to migrate database schema: %v", err)
	}

	jobRepo := repository.NewJobRepository(gormDB)
	fileRepo := repository.NewFileRepository(gormDB)

	bus := events.NewBus()

	jobQueue, err := queue.New(db, bus, queue.Options{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		StallWindow: cfg.JobTimeout,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize queue: %v", err)
	}

	thumbnailSubDir := filepath.Base(cfg.ThumbnailDir)
	mediaStore, err := media.NewLocalStorage(cfg.UploadDir, thumbnailSubDir)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize media store: %v", err)
	}

	extractor := media.NewFrameExtractor(cfg.FFmpegPath, cfg.VideoCaptureTime, cfg.VideoExtractionTimeout)
	processor := media.NewProcessor(mediaStore, extractor, cfg.ThumbnailDir, cfg.ThumbnailSize, cfg.ThumbnailQuality)

	jobPipeline := pipeline.New(jobRepo, fileRepo, jobQueue, mediaStore)

	thumbnailURLPrefix := "/uploads/" + thumbnailSubDir + "/"
	worker := workers.NewThumbnailWorker(jobQueue, jobRepo, processor, bus,
		cfg.WorkerConcurrency, cfg.JobTimeout, cfg.ShutdownDrain, thumbnailURLPrefix)
	worker.Start()

	hub := realtime.NewHub(bus, jobRepo)
	go hub.Run()

	log.Printf("Storing uploads in: %s", cfg.UploadDir)
	log.Printf("Storing thumbnails in: %s", cfg.ThumbnailDir)
	log.Printf("Using database: %s", cfg.DatabasePath)
	log.Printf("Thumbnail size: %dpx, quality: %d", cfg.ThumbnailSize, cfg.ThumbnailQuality)

	r := chi.NewRouter()

	corsOptions := cors.Options{
		AllowedOrigins:   []string{getEnvOrDefault("CORS_ORIGIN", "http://localhost:5173")},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	corsHandler := cors.New(corsOptions)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	uploadHandler := handlers.NewUploadHandler(cfg, fileRepo, mediaStore, jobPipeline)
	jobHandler := handlers.NewJobHandler(jobRepo, jobPipeline, jobQueue)
	fileHandler := handlers.NewFileHandler(fileRepo, mediaStore)
	wsHandler := handlers.NewWSHandler(hub)

	r.Route("/api", func(r chi.Router) {
		r.Use(handlers.AuthMiddleware([]byte(cfg.JWTSecret)))

		r.Post("/upload", uploadHandler.Upload)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jobHandler.List)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", jobHandler.Get)
				r.Post("/retry", jobHandler.Retry)
				r.Delete("/", jobHandler.Delete)
			})
		})

		r.Route("/files", func(r chi.Router) {
			r.Get("/", fileHandler.List)
			r.Route("/{fileID}", func(r chi.Router) {
				r.Get("/", fileHandler.Get)
				r.Delete("/", fileHandler.Delete)
			})
		})

		r.Route("/queue", func(r chi.Router) {
			r.Post("/pause", jobHandler.Pause)
			r.Post("/resume", jobHandler.Resume)
			r.Post("/clean", jobHandler.Clean)
		})

		r.Get("/ws", wsHandler.Serve)
	})

	r.Get("/uploads/*", handlers.AssetServer(cfg.UploadDir, "/uploads/"))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	serverAddr := ":" + port
	fmt.Printf("Server starting on http://localhost:%s\n", port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("FATAL: Server error: %v", err)
	case sig := <-stop:
		log.Printf("Received %s, shutting down...", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	worker.Stop()
	jobQueue.Close()
	hub.Stop()
	log.Println("Shutdown complete")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
