// Package app wires configuration to adapters and dispatches commands.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"orbit/internal/config"
	"orbit/internal/domain"
	"orbit/internal/infrastructure/backfill"
	"orbit/internal/infrastructure/llm"
	"orbit/internal/infrastructure/prices"
	"orbit/internal/infrastructure/scheduler"
	"orbit/internal/infrastructure/storage"
	"orbit/internal/infrastructure/stream"
	"orbit/internal/logging"
	"orbit/internal/ports"
	"orbit/internal/preprocess"
	"orbit/internal/retry"
	"orbit/internal/rotation"
	"orbit/internal/usecase"
)

// Application owns the wired adapters and the command dispatcher.
type Application struct {
	cfg      config.Config
	log      *slog.Logger
	store    *storage.ParquetStore
	rejects  *storage.JSONLRejects
	pipeline *usecase.Pipeline
	runID    string
}

// staticCredentials serves the unnumbered key pair when no numbered pool is
// configured, so single-credential setups skip the rotator entirely.
type staticCredentials struct {
	cred domain.Credential
}

func (s staticCredentials) Next() (domain.Credential, error) { return s.cred, nil }

func (s staticCredentials) RecordUsage(string, int, int) {}

// New builds a runnable application. The sentiment scorer is optional:
// without GEMINI_API_KEY_n variables the pipeline runs unscored.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	store, err := storage.NewParquetStore(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("open data dir: %w", err)
	}
	rejects := storage.NewJSONLRejects(cfg.Data.Dir)

	var sentiment ports.SentimentScorer
	rotator, err := rotation.New(rotation.Options{
		EnvPrefix:     cfg.Sentiment.CredentialPrefix,
		Strategy:      rotation.Strategy(cfg.Sentiment.Strategy),
		QuotaRPD:      cfg.Sentiment.QuotaRPD,
		SafetyMargin:  cfg.Sentiment.SafetyMargin,
		ResetTimezone: cfg.Sentiment.ResetTimezone,
	})
	if err != nil {
		baseLogger.Warn("sentiment scoring disabled", "reason", err)
	} else {
		sentiment = llm.NewGeminiScorer(llm.Options{
			Endpoint:  cfg.Sentiment.Endpoint,
			Model:     cfg.Sentiment.Model,
			BatchSize: cfg.Sentiment.BatchSize,
		}, rotator, logging.Component(baseLogger, "sentiment"))
	}

	pipeline, err := usecase.NewPipeline(usecase.PipelineDeps{
		News:      store,
		Social:    store,
		Sentiment: sentiment,
		Log:       logging.Component(baseLogger, "pipeline"),
	}, usecase.PipelineOptions{
		Cutoff: preprocess.CutoffOptions{
			Location:  cfg.Preprocess.Location(),
			Hour:      cfg.Preprocess.CutoffHour,
			Minute:    cfg.Preprocess.CutoffMinute,
			SafetyLag: time.Duration(cfg.Preprocess.SafetyLagMin) * time.Minute,
			Training:  cfg.Preprocess.Training,
		},
		FingerprintBits: cfg.Preprocess.FingerprintBits,
		News: usecase.SourceOptions{
			HammingThreshold: cfg.Preprocess.News.HammingThreshold,
			WindowDays:       cfg.Preprocess.News.WindowDays,
		},
		Social: usecase.SourceOptions{
			HammingThreshold: cfg.Preprocess.Social.HammingThreshold,
			WindowDays:       cfg.Preprocess.Social.WindowDays,
		},
	})
	if err != nil {
		return nil, err
	}

	return &Application{
		cfg:      cfg,
		log:      baseLogger,
		store:    store,
		rejects:  rejects,
		pipeline: pipeline,
		runID:    uuid.NewString(),
	}, nil
}

// RunStream ingests live news until the context is cancelled.
func (a *Application) RunStream(ctx context.Context) error {
	if err := a.cfg.ValidateStreamCredentials(); err != nil {
		return err
	}

	client := stream.New(stream.Options{
		URL:                  a.cfg.Stream.URL,
		Symbols:              a.cfg.Stream.Symbols,
		Key:                  a.cfg.Stream.APIKey,
		Secret:               a.cfg.Stream.APISecret,
		FlushSize:            a.cfg.Stream.FlushSize,
		FlushInterval:        a.cfg.Stream.FlushInterval.Std(),
		PingInterval:         a.cfg.Stream.PingInterval.Std(),
		MaxReconnectAttempts: a.cfg.Stream.MaxReconnectAttempts,
		Backoff: retry.Policy{
			MaxAttempts: a.cfg.Stream.MaxReconnectAttempts,
			BaseDelay:   a.cfg.Stream.BackoffBase.Std(),
			MaxDelay:    a.cfg.Stream.BackoffMax.Std(),
			Factor:      a.cfg.Stream.BackoffFactor,
		},
		RunID: a.runID,
	}, a.store, a.rejects, logging.Component(a.log, "stream"))

	stats, err := client.Run(ctx)
	a.log.Info("stream finished",
		"received", stats.Received, "buffered", stats.Buffered,
		"rejected", stats.Rejected, "flushes", stats.Flushes,
		"reconnects", stats.Reconnects)
	return err
}

// RunNewsBackfill fetches historical news over [start, end).
func (a *Application) RunNewsBackfill(ctx context.Context, startDate, endDate string) error {
	creds, err := a.backfillCredentials()
	if err != nil {
		return err
	}

	engine := backfill.NewEngine(backfill.Options{
		BaseURL:            a.cfg.Backfill.BaseURL,
		Symbols:            a.cfg.Backfill.Symbols,
		PageSize:           a.cfg.Backfill.PageSize,
		TargetRPM:          float64(a.cfg.Backfill.TargetRPM),
		CheckpointInterval: a.cfg.Backfill.CheckpointInterval,
		CheckpointDir:      a.cfg.Data.Dir,
		UserAgent:          a.cfg.Data.UserAgent,
		RunID:              a.runID,
		RateLimitRetry:     retry.Policy{MaxAttempts: a.cfg.Backfill.MaxRetryAttempts},
	}, creds, a.store, logging.Component(a.log, "backfill"))

	stats, err := engine.Run(ctx, startDate, endDate)
	a.logBackfill("news backfill finished", stats)
	return err
}

// RunSocialBackfill fetches historical social posts over [start, end).
func (a *Application) RunSocialBackfill(ctx context.Context, startDate, endDate string) error {
	engine := backfill.NewSocialEngine(backfill.SocialOptions{
		BaseURL:            a.cfg.Social.BaseURL,
		Subreddits:         a.cfg.Social.Subreddits,
		PageLimit:          a.cfg.Social.PageLimit,
		TargetRPS:          a.cfg.Social.TargetRPS,
		CheckpointInterval: a.cfg.Social.CheckpointInterval,
		CheckpointDir:      a.cfg.Data.Dir,
		UserAgent:          a.cfg.Data.UserAgent,
		RunID:              a.runID,
		RateLimitRetry:     retry.Policy{MaxAttempts: a.cfg.Social.MaxRetryAttempts},
	}, a.store, logging.Component(a.log, "social"))

	stats, err := engine.Run(ctx, startDate, endDate)
	a.logBackfill("social backfill finished", stats)
	return err
}

// RunPrices fetches daily bars for the configured symbols.
func (a *Application) RunPrices(ctx context.Context) error {
	fetcher := prices.NewFetcher(prices.Options{
		BaseURL:     a.cfg.Prices.BaseURL,
		Symbols:     a.cfg.Prices.Symbols,
		PoliteDelay: a.cfg.Prices.PoliteDelay.Std(),
		Retry:       retry.Policy{MaxAttempts: a.cfg.Prices.Retries},
		UserAgent:   a.cfg.Data.UserAgent,
		RunID:       a.runID,
	}, a.store, logging.Component(a.log, "prices"))

	stats, err := fetcher.Run(ctx)
	a.logBackfill("prices finished", stats)
	return err
}

// RunPreprocess curates both sources over [start, end).
func (a *Application) RunPreprocess(ctx context.Context, startDate, endDate string) error {
	stats, err := a.pipeline.ProcessRange(ctx, startDate, endDate)
	a.log.Info("preprocess finished",
		"days", stats.TotalDays, "processed", stats.ProcessedDays,
		"items", stats.TotalItems, "duplicates", stats.Duplicates)
	return err
}

// RunScheduled blocks on the cron loop until the context is cancelled.
func (a *Application) RunScheduled(ctx context.Context) error {
	driver := scheduler.NewCronScheduler(a.cfg.Scheduler.CronExpression, a.cfg.Scheduler.Location())
	sched := usecase.NewScheduler(driver, a.pipeline, logging.Component(a.log, "scheduler"))

	if err := sched.Start(ctx); err != nil {
		return err
	}
	a.log.Info("scheduler started",
		"cron", a.cfg.Scheduler.CronExpression, "timezone", a.cfg.Scheduler.Timezone)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return sched.Stop(stopCtx)
}

func (a *Application) backfillCredentials() (ports.CredentialProvider, error) {
	rotator, err := rotation.New(rotation.Options{
		EnvPrefix: a.cfg.Backfill.CredentialPrefix,
		Strategy:  rotation.RoundRobin,
	})
	if err == nil {
		a.log.Info("credential pool loaded", "size", rotator.Size())
		return rotator, nil
	}

	if vErr := a.cfg.ValidateStreamCredentials(); vErr != nil {
		return nil, fmt.Errorf("no backfill credentials: %w", err)
	}
	a.log.Info("using single credential pair")
	return staticCredentials{cred: domain.Credential{
		Name:   "primary",
		Value:  a.cfg.Stream.APIKey,
		Secret: a.cfg.Stream.APISecret,
	}}, nil
}

func (a *Application) logBackfill(msg string, stats domain.BackfillStats) {
	a.log.Info(msg,
		"fetched", stats.Fetched, "requests", stats.Requests,
		"elapsed_s", stats.ElapsedSeconds, "skipped_days", stats.SkippedDays,
		"abandoned_days", stats.AbandonedDays)
}
