package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/telegrab/telegrab/internal/config"
	"github.com/telegrab/telegrab/internal/ingest"
	"github.com/telegrab/telegrab/internal/ledger"
	"github.com/telegrab/telegrab/internal/logging"
	"github.com/telegrab/telegrab/internal/media"
	"github.com/telegrab/telegrab/internal/metalog"
	"github.com/telegrab/telegrab/internal/telegram"
)

func main() {
	_ = godotenv.Load()

	chatRef := flag.String("chat", strings.TrimSpace(os.Getenv("TELEGRAB_CHAT")), "chat reference (t.me link, @username, or numeric id)")
	outputRoot := flag.String("output-root", "", "directory where media is saved")
	ledgerDSN := flag.String("ledger-dsn", "", "ledger DSN (sqlite path or postgres:// URL)")
	configPath := flag.String("config", envOrDefault("TELEGRAB_CONFIG", ""), "optional YAML/JSON config file")
	dateFrom := flag.String("date-from", "", "include messages from this date/time (inclusive)")
	dateTo := flag.String("date-to", "", "include messages up to this date/time (inclusive)")
	mediaTypes := flag.String("media-types", "", "comma-separated media kinds to ingest (default: all)")
	recordSkips := flag.Bool("record-skips", false, "append a metadata line for already-ingested items")
	logLevel := flag.String("log-level", "", "log level override (debug|info|warn|error)")
	rps := flag.Float64("requests-per-second", 1, "client-side rate limit for file fetches")
	flag.Parse()

	if strings.TrimSpace(*chatRef) == "" {
		fmt.Fprintln(os.Stderr, "chat is required (--chat or TELEGRAB_CHAT)")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *outputRoot != "" {
		cfg.OutputRoot = *outputRoot
	}
	if *ledgerDSN != "" {
		cfg.LedgerDSN = *ledgerDSN
	}
	if *mediaTypes != "" {
		cfg.MediaTypes = []string{*mediaTypes}
	}
	if *recordSkips {
		cfg.RecordSkips = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.BotToken == "" {
		fmt.Fprintln(os.Stderr, config.ErrMissingToken.Error())
		os.Exit(1)
	}

	if err := logging.Init(cfg.LogLevel, cfg.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logging.Sync() }()
	log := logging.L()

	kinds, err := cfg.Kinds()
	if err != nil {
		log.Fatal("invalid media types", zap.Error(err))
	}
	from, err := config.ParseDate(*dateFrom, cfg.TZ)
	if err != nil {
		log.Fatal("invalid --date-from", zap.Error(err))
	}
	to, err := config.ParseDate(*dateTo, cfg.TZ)
	if err != nil {
		log.Fatal("invalid --date-to", zap.Error(err))
	}

	store, err := ledger.Open(cfg.LedgerDSN)
	if err != nil {
		log.Fatal("open ledger", zap.String("dsn", cfg.LedgerDSN), zap.Error(err))
	}
	defer store.Close()

	recorder, err := metalog.NewRecorder(cfg.OutputRoot)
	if err != nil {
		log.Fatal("initialize metadata recorder", zap.Error(err))
	}
	defer recorder.Close()

	source, err := telegram.New(cfg.BotToken, telegram.Options{
		RequestsPerSecond: *rps,
		Logger:            log,
	})
	if err != nil {
		log.Fatal("initialize telegram client", zap.Error(err))
	}

	orchestrator, err := ingest.New(source, store, recorder, ingest.Options{
		OutputRoot:  cfg.OutputRoot,
		Filter:      media.NewFilter(kinds, from, to),
		RecordSkips: cfg.RecordSkips,
		Logger:      log,
	})
	if err != nil {
		log.Fatal("initialize orchestrator", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	started := time.Now()
	summary, runErr := orchestrator.Run(ctx, strings.TrimSpace(*chatRef))
	fmt.Printf("processed %d messages: %d downloaded, %d skipped, %d failed (%s)\n",
		summary.Messages, summary.Downloaded, summary.Skipped, summary.Failed,
		time.Since(started).Round(time.Second))
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("ingest run failed", zap.Error(runErr))
		_ = logging.Sync()
		os.Exit(1)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
