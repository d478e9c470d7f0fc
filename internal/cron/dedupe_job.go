package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/ilyaizen/habistat/internal/dedup"
	"github.com/ilyaizen/habistat/pkg/logger"
)

const (
	DedupeJobName         = "dedupe"
	DefaultDedupeInterval = 6 * time.Hour
)

type DedupeJobParams struct {
	Logger  *logger.Logger
	Sweeper sweeper
}

type sweeper interface {
	DedupeAll(ctx context.Context, scope dedup.Scope) (dedup.Report, error)
}

// NewDedupeJob builds the sweep that collapses duplicate business keys left
// behind by writers racing past the live upsert path.
func NewDedupeJob(params DedupeJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	return &dedupeJob{logg: params.Logger, sweeper: params.Sweeper}, nil
}

type dedupeJob struct {
	logg    *logger.Logger
	sweeper sweeper
}

func (j *dedupeJob) Name() string { return DedupeJobName }

func (j *dedupeJob) Run(ctx context.Context) error {
	report, err := j.sweeper.DedupeAll(ctx, dedup.AllOwners())
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"groups":        report.Groups,
		"rows_removed":  report.Removed,
		"groups_failed": report.Failed,
	})
	if err != nil {
		return fmt.Errorf("dedupe sweep: %w", err)
	}
	j.logg.Info(logCtx, "dedupe sweep complete")
	return nil
}
