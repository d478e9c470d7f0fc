package sync

import (
	"time"

	"github.com/ilyaizen/habistat/pkg/db/models"
)

// KindSummary counts what happened to one entity kind during a cycle.
type KindSummary struct {
	Pulled    int `json:"pulled"`
	Merged    int `json:"merged"`
	Pushed    int `json:"pushed"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
}

func (k *KindSummary) add(other KindSummary) {
	k.Pulled += other.Pulled
	k.Merged += other.Merged
	k.Pushed += other.Pushed
	k.Conflicts += other.Conflicts
	k.Skipped += other.Skipped
}

// Summary reports one sync call.
type Summary struct {
	Scope     string                       `json:"scope"`
	Status    Status                       `json:"status"`
	StartedAt time.Time                    `json:"startedAt"`
	Duration  time.Duration                `json:"duration"`
	Watermark int64                        `json:"watermark"`
	Kinds     map[models.Kind]*KindSummary `json:"kinds,omitempty"`
	Error     string                       `json:"error,omitempty"`
}

func newSummary(scope string, startedAt time.Time) *Summary {
	return &Summary{Scope: scope, StartedAt: startedAt, Kinds: map[models.Kind]*KindSummary{}}
}

func (s *Summary) kind(kind models.Kind) *KindSummary {
	if s.Kinds == nil {
		s.Kinds = map[models.Kind]*KindSummary{}
	}
	k, ok := s.Kinds[kind]
	if !ok {
		k = &KindSummary{}
		s.Kinds[kind] = k
	}
	return k
}

// Totals adds up every kind.
func (s Summary) Totals() KindSummary {
	var total KindSummary
	for _, k := range s.Kinds {
		total.add(*k)
	}
	return total
}
