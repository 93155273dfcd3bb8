// Command sync runs a one-off Fortnox voucher import for a company and year
// range, without the HTTP server. Useful for backfills and cron jobs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkarlsson/budgetsync/internal/config"
	"github.com/mkarlsson/budgetsync/internal/fortnox"
	infraBQ "github.com/mkarlsson/budgetsync/internal/infra/bigquery"
	"github.com/mkarlsson/budgetsync/internal/logger"
	"github.com/mkarlsson/budgetsync/internal/syncer"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("CONFIG_PATH"), "Path to TOML config file (optional)")
		company    = flag.String("company", "", "Company identifier (required)")
		userID     = flag.String("user", "default", "User whose Fortnox connection to use")
		startYear  = flag.Int("start-year", time.Now().Year(), "First year to sync")
		endYear    = flag.Int("end-year", 0, "Last year to sync (defaults to start year)")
	)
	flag.Parse()

	log := logger.New()

	if *company == "" {
		fmt.Fprintln(os.Stderr, "usage: sync -company <id> [-user <id>] [-start-year N] [-end-year N]")
		os.Exit(2)
	}
	if *endYear == 0 {
		*endYear = *startYear
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// SIGINT aborts the run; months already synced stay persisted.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := infraBQ.NewRepository(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.DatasetID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery repository")
	}
	defer repo.Close()

	tokenManager := fortnox.NewManager(repo, cfg.Fortnox, log)
	client := fortnox.NewClient(
		cfg.Fortnox.APIBaseURL,
		time.Duration(cfg.Sync.ThrottleMS)*time.Millisecond,
		cfg.Sync.MaxRetries,
		log,
	)

	engine := syncer.NewEngine(client, tokenManager, repo, nil, repo, log)

	res, err := engine.SyncRange(ctx, syncer.Request{
		UserID:    *userID,
		Company:   *company,
		StartYear: *startYear,
		EndYear:   *endYear,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}

	out, _ := json.MarshalIndent(res.Stats, "", "  ")
	fmt.Println(string(out))
}
