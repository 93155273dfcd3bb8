package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/mkarlsson/budgetsync/internal/api/handlers"
	"github.com/mkarlsson/budgetsync/internal/api/middleware"
	"github.com/mkarlsson/budgetsync/internal/config"
	"github.com/mkarlsson/budgetsync/internal/fortnox"
	infraBQ "github.com/mkarlsson/budgetsync/internal/infra/bigquery"
	"github.com/mkarlsson/budgetsync/internal/ingest"
	"github.com/mkarlsson/budgetsync/internal/jobs"
	"github.com/mkarlsson/budgetsync/internal/jobs/inmemory"
	"github.com/mkarlsson/budgetsync/internal/logger"
	"github.com/mkarlsson/budgetsync/internal/siearchive"
	"github.com/mkarlsson/budgetsync/internal/storage"
	"github.com/mkarlsson/budgetsync/internal/syncer"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to TOML config file (optional)")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()

	repo, err := infraBQ.NewRepository(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.DatasetID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery repository")
	}
	defer repo.Close()

	// Archiving is optional; without a bucket SIE uploads just are not kept.
	var archiver *siearchive.Archiver
	if cfg.GCS.Bucket != "" {
		gcsClient, err := gcs.NewClient(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create storage client")
		}
		defer gcsClient.Close()
		archiver = siearchive.NewArchiver(gcsClient, cfg.GCS.Bucket)
	} else {
		log.Warn().Msg("No GCS bucket configured, SIE uploads will not be archived")
	}

	tokenManager := fortnox.NewManager(repo, cfg.Fortnox, log)
	fortnoxClient := fortnox.NewClient(
		cfg.Fortnox.APIBaseURL,
		time.Duration(cfg.Sync.ThrottleMS)*time.Millisecond,
		cfg.Sync.MaxRetries,
		log,
	)

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, 2, jobStore)

	engine := syncer.NewEngine(fortnoxClient, tokenManager, repo, jobStore, repo, log)
	importer := ingest.NewImporter(repo, archiver, log)

	// Worker processes queued sync jobs in-process.
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	jobHandler := func(ctx context.Context, job *jobs.ImportJob) error {
		log.Info().
			Str("job_id", job.ID).
			Str("company", job.Company).
			Int("start_year", job.StartYear).
			Int("end_year", job.EndYear).
			Msg("Processing sync job")

		recordJobRow(ctx, repo, job)

		_, err := engine.SyncRange(ctx, syncer.Request{
			UserID:    job.UserID,
			Company:   job.Company,
			StartYear: job.StartYear,
			EndYear:   job.EndYear,
			JobID:     job.ID,
		})
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Sync job failed")
			repo.MarkJobFailed(ctx, job.ID, err)
			return err
		}

		if err := repo.MarkJobSucceeded(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record job success")
		}
		log.Info().Str("job_id", job.ID).Msg("Sync job completed")
		return nil
	}

	go func() {
		log.Info().Msg("Starting sync job worker")
		if err := jobQueue.Start(workerCtx, jobHandler); err != nil {
			log.Error().Err(err).Msg("Job worker stopped with error")
		}
	}()

	sieHandler := handlers.NewSIEHandler(importer, log)
	syncHandler := handlers.NewSyncHandler(engine, jobQueue, log)
	jobsHandler := handlers.NewJobsHandler(jobStore, log)
	summariesHandler := handlers.NewSummariesHandler(repo, log)
	fortnoxHandler := handlers.NewFortnoxHandler(tokenManager, log)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/sie/import", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sieHandler.Import(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			syncHandler.Sync(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobsHandler.ListJobs(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
			if jobID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
				return
			}
			jobsHandler.GetJob(w, r, jobID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/summaries", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			summariesHandler.ListSummaries(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/fortnox/connect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fortnoxHandler.Connect(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/fortnox/callback", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fortnoxHandler.Callback(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(
					middleware.Auth(cfg.Server.BearerToken)(mux),
				),
			),
		),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Server stopped")
}

// recordJobRow mirrors a freshly started job into BigQuery. Failures only
// cost durable history, never the run.
func recordJobRow(ctx context.Context, repo storage.JobRepository, job *jobs.ImportJob) {
	statsJSON, err := json.Marshal(job.Stats)
	if err != nil {
		statsJSON = []byte("{}")
	}
	_ = repo.InsertJob(ctx, &storage.ImportJobRow{
		JobID:     job.ID,
		UserID:    job.UserID,
		Company:   job.Company,
		StartYear: job.StartYear,
		EndYear:   job.EndYear,
		Status:    string(jobs.StatusRunning),
		Progress:  0,
		StatsJSON: string(statsJSON),
		StartedTS: time.Now().UTC(),
	})
}
