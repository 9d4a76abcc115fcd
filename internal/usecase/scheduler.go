package usecase

import (
	"context"
	"log/slog"
	"time"

	"orbit/internal/ports"
)

// Scheduler wires the cron driver to the day pipeline.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	log      *slog.Logger
}

// NewScheduler returns a helper to start/stop the recurring daily run.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, log *slog.Logger) *Scheduler {
	return &Scheduler{driver: driver, pipeline: pipeline, log: log}
}

// Start registers the pipeline with the cron driver. Job failures are
// logged, not fatal; the next trigger retries the day from raw.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}

	job := func(trigger time.Time) {
		if err := s.pipeline.ProcessDay(ctx, trigger); err != nil {
			s.log.Error("scheduled run failed", "trigger", trigger, "error", err)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop tears down the cron driver.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
