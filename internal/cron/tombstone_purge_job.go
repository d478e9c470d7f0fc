package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/ilyaizen/habistat/internal/identity"
	"github.com/ilyaizen/habistat/internal/repo"
	"github.com/ilyaizen/habistat/pkg/logger"
	"go.uber.org/multierr"
)

const (
	TombstonePurgeJobName     = "tombstone-purge"
	DefaultPurgeInterval      = 24 * time.Hour
	defaultTombstoneRetention = 30 * 24 * time.Hour
)

type TombstonePurgeJobParams struct {
	Logger    *logger.Logger
	Tables    []repo.Table
	Retention time.Duration
	// AcknowledgedOnly keeps tombstones that have not been pushed yet; the
	// client sets it, the server does not track acknowledgement.
	AcknowledgedOnly bool
}

func NewTombstonePurgeJob(params TombstonePurgeJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if len(params.Tables) == 0 {
		return nil, fmt.Errorf("tables required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultTombstoneRetention
	}
	return &tombstonePurgeJob{
		logg:             params.Logger,
		tables:           params.Tables,
		retention:        retention,
		acknowledgedOnly: params.AcknowledgedOnly,
		now:              time.Now,
	}, nil
}

type tombstonePurgeJob struct {
	logg             *logger.Logger
	tables           []repo.Table
	retention        time.Duration
	acknowledgedOnly bool
	now              func() time.Time
}

func (j *tombstonePurgeJob) Name() string { return TombstonePurgeJobName }

// Run purges every table even when one fails.
func (j *tombstonePurgeJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var errs error
	var total int64
	for _, table := range j.tables {
		removed, err := table.PurgeTombstones(ctx, identity.Millis(cutoff), j.acknowledgedOnly)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		total += removed
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": total,
	})
	if errs != nil {
		return fmt.Errorf("tombstone purge: %w", errs)
	}
	j.logg.Info(logCtx, "tombstone purge complete")
	return nil
}
