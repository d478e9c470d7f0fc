// Package identity assigns the cross-device identity of syncable rows and owns
// the clock rules behind last-write-wins.
package identity

import (
	"time"

	"github.com/google/uuid"
	"github.com/ilyaizen/habistat/pkg/db/models"
)

// AssignLocalIdentity returns a fresh correlation key for a row created on this
// device, whether or not it will ever sync.
func AssignLocalIdentity() string {
	return uuid.NewString()
}

// Millis converts a wall-clock instant into the epoch-millisecond form stored
// in clientUpdatedAt.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Stamp prepares a new local row: it assigns a LocalUUID when missing, sets the
// bookkeeping timestamps, and marks the row dirty so the next push picks it up.
func Stamp(e models.Entity, now time.Time) {
	s := e.Sync()
	if s.LocalUUID == "" {
		s.LocalUUID = AssignLocalIdentity()
	}
	ms := Millis(now)
	if s.CreatedAt == 0 {
		s.CreatedAt = ms
	}
	s.UpdatedAt = ms
	if s.ClientUpdatedAt < ms {
		s.ClientUpdatedAt = ms
	}
	s.Dirty = true
}

// Touch records a local mutation. clientUpdatedAt moves to now, or one
// millisecond past its previous value if the wall clock has gone backwards, so
// a row's own history stays strictly increasing.
func Touch(e models.Entity, now time.Time) {
	s := e.Sync()
	ms := Millis(now)
	if ms <= s.ClientUpdatedAt {
		ms = s.ClientUpdatedAt + 1
	}
	s.ClientUpdatedAt = ms
	s.UpdatedAt = Millis(now)
	s.Dirty = true
}

// Newer is the last-write-wins comparison: the candidate replaces the existing
// version only when strictly newer. Equal timestamps keep what is already stored.
func Newer(candidate, existing int64) bool {
	return candidate > existing
}
