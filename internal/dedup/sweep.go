package dedup

import (
	"context"
	"fmt"

	"github.com/ilyaizen/habistat/pkg/logger"
	"go.uber.org/multierr"
	"gorm.io/gorm"
)

// Scope narrows a sweep. A nil OwnerID sweeps every owner.
type Scope struct {
	OwnerID *string
}

// AllOwners is the scope the maintenance job runs with.
func AllOwners() Scope { return Scope{} }

func ForOwner(ownerID string) Scope { return Scope{OwnerID: &ownerID} }

// Report summarises one sweep over one table.
type Report struct {
	Groups  int
	Removed int64
	Failed  int
}

func (r *Report) add(other Report) {
	r.Groups += other.Groups
	r.Removed += other.Removed
	r.Failed += other.Failed
}

// Sweeper collapses duplicate business keys left behind by concurrent writers.
type Sweeper struct {
	db   *gorm.DB
	logg *logger.Logger
}

func NewSweeper(db *gorm.DB, logg *logger.Logger) *Sweeper {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Sweeper{db: db, logg: logg}
}

type duplicateGroup struct {
	Owner    *string
	DedupKey string
	RowCount int64
}

func (g duplicateGroup) owner() string {
	if g.Owner == nil {
		return ""
	}
	return *g.Owner
}

// DedupeAll sweeps every keyed table. Failures are per group: a failing group
// is logged, counted and returned in the aggregate error while the rest of the
// sweep carries on.
func (s *Sweeper) DedupeAll(ctx context.Context, scope Scope) (Report, error) {
	var (
		total Report
		errs  error
	)
	for _, spec := range Specs() {
		report, err := s.Dedupe(ctx, spec, scope)
		total.add(report)
		errs = multierr.Append(errs, err)
	}
	return total, errs
}

// Dedupe sweeps a single keyed table. Within each (owner, key) group the row
// with the greatest clientUpdatedAt survives; ties go to the larger id.
func (s *Sweeper) Dedupe(ctx context.Context, spec Spec, scope Scope) (Report, error) {
	groups, err := s.duplicateGroups(ctx, spec, scope)
	if err != nil {
		return Report{}, err
	}

	var (
		report Report
		errs   error
	)
	for _, group := range groups {
		removed, err := s.collapse(ctx, spec, group)
		if err != nil {
			report.Failed++
			errs = multierr.Append(errs, err)
			groupCtx := s.logg.WithFields(ctx, map[string]any{
				"event": "dedup.group.failed",
				"table": spec.Table,
				"owner": group.owner(),
				"key":   group.DedupKey,
			})
			s.logg.Error(groupCtx, "dedup group failed", err)
			continue
		}
		if removed > 0 {
			report.Groups++
			report.Removed += removed
		}
	}

	if report.Groups > 0 || report.Failed > 0 {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"event":   "dedup.sweep.complete",
			"table":   spec.Table,
			"groups":  report.Groups,
			"removed": report.Removed,
			"failed":  report.Failed,
		}), "dedup sweep complete")
	}
	return report, errs
}

func (s *Sweeper) duplicateGroups(ctx context.Context, spec Spec, scope Scope) ([]duplicateGroup, error) {
	groupBy := spec.OwnerColumn
	if spec.KeyColumn != "" {
		groupBy += ", " + spec.KeyColumn
	}
	query := s.db.WithContext(ctx).
		Table(spec.Table).
		Select(fmt.Sprintf("%s AS owner, %s AS dedup_key, COUNT(*) AS row_count", spec.OwnerColumn, spec.keyExpr()))
	if scope.OwnerID != nil {
		ownerSQL, ownerArgs := spec.ownerClause(*scope.OwnerID)
		query = query.Where(ownerSQL, ownerArgs...)
	}

	var groups []duplicateGroup
	err := query.Group(groupBy).Having("COUNT(*) > 1").Scan(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("find %s duplicates: %w", spec.Table, err)
	}
	return groups, nil
}

type candidateRow struct {
	ID              int64
	ClientUpdatedAt int64
}

// collapse re-reads the group inside its own transaction, so rows that were
// written or removed since the scan are accounted for before anything is deleted.
func (s *Sweeper) collapse(ctx context.Context, spec Spec, group duplicateGroup) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockKey(tx, spec, group.owner(), group.DedupKey); err != nil {
			return err
		}

		ownerSQL, ownerArgs := spec.ownerClause(group.owner())
		query := tx.Table(spec.Table).Select("id, client_updated_at").Where(ownerSQL, ownerArgs...)
		if spec.KeyColumn != "" {
			query = query.Where(spec.KeyColumn+" = ?", group.DedupKey)
		}
		var rows []candidateRow
		err := query.Order("client_updated_at DESC").Order("id DESC").Scan(&rows).Error
		if err != nil {
			return fmt.Errorf("load %s group: %w", spec.Table, err)
		}
		if len(rows) < 2 {
			return nil
		}

		losers := make([]int64, 0, len(rows)-1)
		for _, row := range rows[1:] {
			losers = append(losers, row.ID)
		}
		res := tx.Exec("DELETE FROM "+spec.Table+" WHERE id IN ?", losers)
		if res.Error != nil {
			return fmt.Errorf("delete %s duplicates: %w", spec.Table, res.Error)
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
