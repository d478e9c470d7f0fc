package models

import "fmt"

// Kind names a syncable entity type. The value doubles as the table name and
// the remote endpoint segment.
type Kind string

const (
	KindCalendars       Kind = "calendars"
	KindHabits          Kind = "habits"
	KindCompletions     Kind = "completions"
	KindActivityHistory Kind = "activity_history"
	KindActiveTimers    Kind = "active_timers"
	KindUserProfile     Kind = "user_profile"
)

// AllKinds lists every syncable kind in dependency order: parents before
// children, so a fresh device receives calendars before the habits that point at them.
func AllKinds() []Kind {
	return []Kind{
		KindCalendars,
		KindHabits,
		KindCompletions,
		KindActivityHistory,
		KindActiveTimers,
		KindUserProfile,
	}
}

func (k Kind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

func ParseKind(value string) (Kind, error) {
	kind := Kind(value)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", value)
	}
	return kind, nil
}

// SyncFields is embedded by every syncable model.
//
// ID is the row's own primary key in whichever store holds it. On the client,
// RemoteID records the server's ID once a push has been acknowledged. LocalUUID
// is the cross-device correlation key and never changes. ClientUpdatedAt (epoch
// milliseconds) is the only input to last-write-wins decisions; CreatedAt and
// UpdatedAt are bookkeeping, and on the server UpdatedAt is the receive time
// that pulls filter on.
type SyncFields struct {
	ID              int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	LocalUUID       string  `gorm:"column:local_uuid;type:varchar(36);not null;uniqueIndex" json:"localUuid" validate:"required,uuid"`
	RemoteID        *int64  `gorm:"column:remote_id" json:"-"`
	UserID          *string `gorm:"column:user_id;type:varchar(64);index" json:"userId,omitempty" validate:"omitempty,max=64"`
	ClientUpdatedAt int64   `gorm:"column:client_updated_at;not null" json:"clientUpdatedAt" validate:"gt=0"`
	Deleted         bool    `gorm:"column:deleted;not null" json:"deleted"`
	Dirty           bool    `gorm:"column:dirty;not null;index" json:"-"`
	CreatedAt       int64   `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt       int64   `gorm:"column:updated_at;not null;index;autoUpdateTime:false" json:"updatedAt"`
}

// Sync exposes the embedded sync columns; promoted onto every model pointer.
func (s *SyncFields) Sync() *SyncFields { return s }

// LocalOnly reports whether the row has never been associated with an account.
func (s *SyncFields) LocalOnly() bool {
	return s.UserID == nil || *s.UserID == ""
}

// Entity is implemented by pointers to every syncable model.
type Entity interface {
	TableName() string
	Kind() Kind
	Sync() *SyncFields
}

// Keyed entities have a business key that must be unique per owner,
// independent of LocalUUID.
type Keyed interface {
	Entity
	DedupKey() string
}

// Owner returns the owner value used for dedup grouping; empty for local-only rows.
func Owner(e Entity) string {
	if uid := e.Sync().UserID; uid != nil {
		return *uid
	}
	return ""
}
