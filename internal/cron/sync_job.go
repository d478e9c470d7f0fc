package cron

import (
	"context"
	"fmt"

	"github.com/ilyaizen/habistat/internal/sync"
	"github.com/ilyaizen/habistat/pkg/logger"
)

const SyncJobName = "sync"

type SyncJobParams struct {
	Logger *logger.Logger
	Syncer fullSyncer
}

type fullSyncer interface {
	FullSync(ctx context.Context) (sync.Summary, error)
}

// NewSyncJob runs a full reconciliation cycle on the client daemon's cadence.
func NewSyncJob(params SyncJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Syncer == nil {
		return nil, fmt.Errorf("syncer required")
	}
	return &syncJob{logg: params.Logger, syncer: params.Syncer}, nil
}

type syncJob struct {
	logg   *logger.Logger
	syncer fullSyncer
}

func (j *syncJob) Name() string { return SyncJobName }

// Run treats offline and busy outcomes as success; the next tick tries again.
func (j *syncJob) Run(ctx context.Context) error {
	summary, err := j.syncer.FullSync(ctx)
	if err != nil {
		return err
	}
	j.logg.Info(j.logg.WithField(ctx, "status", string(summary.Status)), "sync job finished")
	return nil
}
