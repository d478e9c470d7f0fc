// Package sync reconciles the on-device store with the remote store.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/ilyaizen/habistat/internal/auth"
	"github.com/ilyaizen/habistat/internal/dedup"
	"github.com/ilyaizen/habistat/internal/identity"
	"github.com/ilyaizen/habistat/internal/remote"
	"github.com/ilyaizen/habistat/internal/repo"
	"github.com/ilyaizen/habistat/pkg/config"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"github.com/ilyaizen/habistat/pkg/logger"
	"github.com/ilyaizen/habistat/pkg/metrics"
	"github.com/ilyaizen/habistat/pkg/pagination"
	"gorm.io/gorm"
)

const ScopeFull = "full"

// ServiceParams groups dependencies for the sync service.
type ServiceParams struct {
	Local   *gorm.DB
	Remote  remote.Store
	Tokens  auth.TokenProvider
	Config  config.SyncConfig
	Metrics *metrics.SyncMetrics
	Logger  *logger.Logger
	Now     func() time.Time
	// Sleep replaces the backoff wait; tests make it instant.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Service runs reconciliation cycles against one local store. At most one
// cycle runs at a time; overlapping calls return StatusBusy.
type Service struct {
	local      *gorm.DB
	remote     remote.Store
	tokens     auth.TokenProvider
	watermarks *repo.Watermarks
	tables     map[models.Kind]repo.Table
	entities   map[models.Kind]entitySyncer
	sweeper    *dedup.Sweeper
	metrics    *metrics.SyncMetrics
	logg       *logger.Logger
	now        func() time.Time
	retry      retryPolicy
	pageSize   int

	mu      stdsync.Mutex
	running bool
	state   State
	last    *Summary
}

// NewService builds a sync service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Local == nil {
		return nil, errors.New("local store is required")
	}
	if params.Remote == nil {
		return nil, errors.New("remote store is required")
	}
	if params.Tokens == nil {
		return nil, errors.New("token provider is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	pause := params.Sleep
	if pause == nil {
		pause = sleep
	}

	tables := map[models.Kind]repo.Table{}
	for _, table := range repo.Tables(params.Local) {
		tables[table.Kind()] = table
	}

	return &Service{
		local:      params.Local,
		remote:     params.Remote,
		tokens:     params.Tokens,
		watermarks: repo.NewWatermarks(params.Local),
		tables:     tables,
		entities:   defaultEntities(),
		sweeper:    dedup.NewSweeper(params.Local, logg),
		metrics:    params.Metrics,
		logg:       logg,
		now:        now,
		retry: retryPolicy{
			maxAttempts: params.Config.MaxAttempts,
			base:        params.Config.BaseBackoff,
			max:         params.Config.MaxBackoff,
			sleep:       pause,
		},
		pageSize: pagination.NormalizeLimit(params.Config.PageSize),
		state:    StateIdle,
	}, nil
}

// FullSync pulls, merges and pushes every kind, then advances the global watermark.
func (s *Service) FullSync(ctx context.Context) (Summary, error) {
	return s.run(ctx, ScopeFull, models.AllKinds())
}

// SyncEntity runs the same cycle for one kind. It advances only that kind's
// watermark, never the global one.
func (s *Service) SyncEntity(ctx context.Context, kind models.Kind) (Summary, error) {
	if !kind.Valid() {
		return Summary{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown entity kind %q", kind))
	}
	return s.run(ctx, string(kind), []models.Kind{kind})
}

// State reports where the state machine currently is.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSummary returns the most recent finished cycle, if any.
func (s *Service) LastSummary() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

func (s *Service) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Service) release(summary *Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if summary.Status == StatusFailed {
		s.state = StateFailed
	} else {
		s.state = StateIdle
	}
	last := *summary
	s.last = &last
}

func (s *Service) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Service) run(ctx context.Context, scope string, kinds []models.Kind) (Summary, error) {
	started := s.now()
	summary := newSummary(scope, started)

	if !s.acquire() {
		summary.Status = StatusBusy
		s.logg.Info(s.logg.WithField(ctx, "scope", scope), "sync.cycle.busy")
		return *summary, nil
	}

	cred := s.credential(ctx)
	if cred == nil {
		summary.Status = StatusOffline
		s.logg.Info(s.logg.WithField(ctx, "scope", scope), "sync.cycle.offline")
		return s.finish(summary), nil
	}

	ctx = s.logg.WithField(ctx, "scope", scope)
	ctx = s.logg.WithUserID(ctx, cred.UserID)

	if err := s.cycle(ctx, cred, scope, kinds, summary); err != nil {
		summary.Status = StatusFailed
		summary.Error = FailureNotice
		s.logg.Error(ctx, "sync.cycle.failed", err)
		return s.finish(summary), fmt.Errorf("sync %s: %w", scope, err)
	}
	summary.Status = StatusCompleted
	totals := summary.Totals()
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"watermark": summary.Watermark,
		"pulled":    totals.Pulled,
		"pushed":    totals.Pushed,
		"conflicts": totals.Conflicts,
		"skipped":   totals.Skipped,
	}), "sync.cycle.complete")
	return s.finish(summary), nil
}

func (s *Service) finish(summary *Summary) Summary {
	summary.Duration = s.now().Sub(summary.StartedAt)
	s.metrics.ObserveCycle(summary.Scope, string(summary.Status), summary.Duration)
	s.release(summary)
	return *summary
}

// credential returns nil whenever the provider cannot vouch for an account.
func (s *Service) credential(ctx context.Context) *auth.Credential {
	if !s.tokens.IsReady() {
		return nil
	}
	cred, err := s.tokens.GetToken(ctx)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "sync.token.unavailable")
		return nil
	}
	if cred == nil || cred.Token == "" || cred.UserID == "" {
		return nil
	}
	return cred
}

func (s *Service) cycle(ctx context.Context, cred *auth.Credential, scope string, kinds []models.Kind, summary *Summary) error {
	if err := s.prepare(ctx, cred, kinds); err != nil {
		return err
	}

	s.setState(StatePulling)
	pulled := make(map[models.Kind][]remote.Record, len(kinds))
	reached := make(map[models.Kind]int64, len(kinds))
	for _, kind := range kinds {
		since, err := s.watermarks.Effective(ctx, kind)
		if err != nil {
			return err
		}
		records, high, err := s.pull(ctx, cred, kind, since)
		if err != nil {
			return fmt.Errorf("pull %s: %w", kind, err)
		}
		pulled[kind] = records
		reached[kind] = high
		summary.kind(kind).Pulled += len(records)
		s.metrics.AddRecords(string(kind), "pulled", len(records))
	}

	s.setState(StateMerging)
	for _, kind := range kinds {
		if err := s.mergeAll(ctx, kind, pulled[kind], summary.kind(kind)); err != nil {
			return fmt.Errorf("merge %s: %w", kind, err)
		}
	}

	s.setState(StatePushing)
	for _, kind := range kinds {
		if err := s.push(ctx, cred, kind, summary.kind(kind)); err != nil {
			return fmt.Errorf("push %s: %w", kind, err)
		}
	}

	// Watermarks are server times. The global one can only claim what every
	// kind reached.
	if scope == ScopeFull {
		global := int64(-1)
		for _, kind := range kinds {
			if global < 0 || reached[kind] < global {
				global = reached[kind]
			}
		}
		global = max(global, 0)
		if err := s.watermarks.SetGlobal(ctx, global); err != nil {
			return err
		}
		summary.Watermark = global
		return nil
	}
	for _, kind := range kinds {
		if err := s.watermarks.SetEntity(ctx, kind, reached[kind]); err != nil {
			return err
		}
		summary.Watermark = reached[kind]
	}
	return nil
}

// prepare hands local-only rows to the signed-in account, then collapses any
// business-key duplicates the claim produced before they reach the remote.
func (s *Service) prepare(ctx context.Context, cred *auth.Credential, kinds []models.Kind) error {
	for _, kind := range kinds {
		table, ok := s.tables[kind]
		if !ok {
			continue
		}
		claimed, err := table.ClaimLocalOnly(ctx, cred.UserID)
		if err != nil {
			return err
		}
		if claimed > 0 {
			s.logg.Info(s.logg.WithFields(ctx, map[string]any{"kind": kind, "rows": claimed}), "sync.claim.local_rows")
		}

		spec, keyed := dedup.SpecFor(kind)
		if !keyed {
			continue
		}
		report, err := s.sweeper.Dedupe(ctx, spec, dedup.ForOwner(cred.UserID))
		if err != nil {
			// Leftover duplicates are merged again by the server's keyed upsert.
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"kind": kind, "failed_groups": report.Failed}), "sync.local_dedupe.partial")
		}
	}
	return nil
}

// pull pages through every remote row of kind received after since. The
// returned watermark is the server time reported with the first page, which
// precedes every row the remaining pages can hold; it never falls below since.
func (s *Service) pull(ctx context.Context, cred *auth.Credential, kind models.Kind, since int64) ([]remote.Record, int64, error) {
	var (
		records []remote.Record
		cursor  string
		high    = since
		first   = true
	)
	for {
		var page remote.Page
		err := s.retry.do(ctx, func(ctx context.Context) error {
			var err error
			page, err = s.remote.Query(ctx, cred, kind, remote.Filter{
				UpdatedSince: since,
				Cursor:       cursor,
				Limit:        s.pageSize,
			})
			return err
		})
		if err != nil {
			return nil, since, err
		}
		if first {
			high = max(since, page.ServerTime)
			first = false
		}
		records = append(records, page.Records...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return records, high, nil
		}
		cursor = page.NextCursor
	}
}

func (s *Service) mergeAll(ctx context.Context, kind models.Kind, records []remote.Record, counts *KindSummary) error {
	entity := s.entities[kind]
	for _, rec := range records {
		outcome, err := s.mergeOne(ctx, entity, rec)
		if err != nil {
			if retryable(err) {
				return err
			}
			counts.Skipped++
			s.metrics.AddRecords(string(kind), "skipped", 1)
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"kind":       kind,
				"local_uuid": rec.LocalUUID,
				"error":      err.Error(),
			}), "sync.merge.skipped")
			continue
		}
		s.count(kind, outcome, counts)
	}
	return nil
}

func (s *Service) mergeOne(ctx context.Context, entity entitySyncer, rec remote.Record) (mergeOutcome, error) {
	var outcome mergeOutcome
	err := s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = entity.merge(ctx, s.local, rec, identity.Millis(s.now()))
		return err
	})
	return outcome, err
}

func (s *Service) count(kind models.Kind, outcome mergeOutcome, counts *KindSummary) {
	if outcome.applied {
		counts.Merged++
		s.metrics.AddRecords(string(kind), "merged", 1)
	}
	if outcome.conflict {
		counts.Conflicts++
		s.metrics.AddConflicts(string(kind), 1)
	}
}

// push sends every dirty row owned by the signed-in account. A rejected row is
// skipped and stays dirty; a transient failure that outlives the retry budget
// fails the cycle.
func (s *Service) push(ctx context.Context, cred *auth.Credential, kind models.Kind, counts *KindSummary) error {
	entity := s.entities[kind]
	rows, err := entity.dirty(ctx, s.local, 0)
	if err != nil {
		return err
	}
	for _, p := range rows {
		if p.owner != cred.UserID {
			continue
		}

		var res remote.MutateResult
		err := s.retry.do(ctx, func(ctx context.Context) error {
			var err error
			res, err = s.remote.Mutate(ctx, cred, kind, p.record)
			return err
		})
		if err != nil {
			if retryable(err) {
				return err
			}
			counts.Skipped++
			s.metrics.AddRecords(string(kind), "skipped", 1)
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"kind":       kind,
				"local_uuid": p.record.LocalUUID,
				"code":       string(pkgerrors.CodeOf(err)),
				"error":      err.Error(),
			}), "sync.push.skipped")
			continue
		}

		if !res.Applied && res.Current != nil && identity.Newer(res.Current.ClientUpdatedAt, p.clientUpdatedAt) {
			// The remote holds a newer version written since our pull.
			outcome, err := s.mergeOne(ctx, entity, *res.Current)
			if err != nil {
				if retryable(err) {
					return err
				}
				counts.Skipped++
				continue
			}
			outcome.conflict = true
			s.count(kind, outcome, counts)
			continue
		}

		if _, err := entity.markPushed(ctx, s.local, p, res.ID); err != nil {
			return err
		}
		if res.Applied {
			counts.Pushed++
			s.metrics.AddRecords(string(kind), "pushed", 1)
		}
	}
	return nil
}

// Report is a point-in-time view of the local sync state.
type Report struct {
	State      State                 `json:"state"`
	Watermark  int64                 `json:"watermark"`
	Entities   map[models.Kind]int64 `json:"entityWatermarks"`
	Dirty      map[models.Kind]int64 `json:"dirty"`
	Online     bool                  `json:"online"`
	LastResult *Summary              `json:"lastResult,omitempty"`
}

// Status reads watermarks and push backlog without touching the remote.
func (s *Service) Status(ctx context.Context) (Report, error) {
	global, err := s.watermarks.Global(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		State:     s.State(),
		Watermark: global,
		Entities:  map[models.Kind]int64{},
		Dirty:     map[models.Kind]int64{},
		Online:    s.tokens.IsReady(),
	}
	for _, kind := range models.AllKinds() {
		entity, err := s.watermarks.Entity(ctx, kind)
		if err != nil {
			return Report{}, err
		}
		report.Entities[kind] = entity
		if table, ok := s.tables[kind]; ok {
			n, err := table.CountDirty(ctx)
			if err != nil {
				return Report{}, err
			}
			report.Dirty[kind] = n
		}
	}
	if last, ok := s.LastSummary(); ok {
		report.LastResult = &last
	}
	return report, nil
}
