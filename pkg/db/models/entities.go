package models

type Calendar struct {
	SyncFields
	Name       string `gorm:"type:text;not null" json:"name" validate:"required,max=120"`
	ColorTheme string `gorm:"column:color_theme;type:varchar(32);not null" json:"colorTheme" validate:"max=32"`
	Position   int    `gorm:"not null" json:"position" validate:"gte=0"`
	IsEnabled  bool   `gorm:"column:is_enabled;not null" json:"isEnabled"`
}

func (Calendar) TableName() string { return string(KindCalendars) }
func (Calendar) Kind() Kind        { return KindCalendars }

type HabitType string

const (
	HabitPositive HabitType = "positive"
	HabitNegative HabitType = "negative"
)

// Habit references its calendar by LocalUUID so the link survives ID
// reassignment across stores.
type Habit struct {
	SyncFields
	CalendarUUID          string    `gorm:"column:calendar_uuid;type:varchar(36);not null;index" json:"calendarUuid" validate:"required,uuid"`
	Name                  string    `gorm:"type:text;not null" json:"name" validate:"required,max=120"`
	Description           *string   `gorm:"type:text" json:"description,omitempty"`
	Type                  HabitType `gorm:"type:varchar(16);not null" json:"type" validate:"oneof=positive negative"`
	TimerEnabled          bool      `gorm:"column:timer_enabled;not null" json:"timerEnabled"`
	TargetDurationSeconds *int64    `gorm:"column:target_duration_seconds" json:"targetDurationSeconds,omitempty" validate:"omitempty,gt=0"`
	PointsValue           *int64    `gorm:"column:points_value" json:"pointsValue,omitempty"`
	Position              int       `gorm:"not null" json:"position" validate:"gte=0"`
	IsEnabled             bool      `gorm:"column:is_enabled;not null" json:"isEnabled"`
}

func (Habit) TableName() string { return string(KindHabits) }
func (Habit) Kind() Kind        { return KindHabits }

type Completion struct {
	SyncFields
	HabitUUID   string `gorm:"column:habit_uuid;type:varchar(36);not null;index" json:"habitUuid" validate:"required,uuid"`
	CompletedAt int64  `gorm:"column:completed_at;not null" json:"completedAt" validate:"gt=0"`
}

func (Completion) TableName() string { return string(KindCompletions) }
func (Completion) Kind() Kind        { return KindCompletions }

// ActivityHistory holds one row per owner and calendar day. The (user_id, date)
// pair is a business key kept unique by the dedup engine rather than an index,
// because concurrent offline devices legitimately create competing rows.
type ActivityHistory struct {
	SyncFields
	Date      string `gorm:"type:varchar(10);not null;index" json:"date" validate:"required,datetime=2006-01-02"`
	OpenedAt  int64  `gorm:"column:opened_at;not null" json:"openedAt" validate:"gte=0"`
	OpenCount int    `gorm:"column:open_count;not null" json:"openCount" validate:"gte=0"`
}

func (ActivityHistory) TableName() string   { return string(KindActivityHistory) }
func (ActivityHistory) Kind() Kind          { return KindActivityHistory }
func (a *ActivityHistory) DedupKey() string { return a.Date }

type TimerStatus string

const (
	TimerRunning TimerStatus = "running"
	TimerPaused  TimerStatus = "paused"
)

type ActiveTimer struct {
	SyncFields
	HabitUUID          string      `gorm:"column:habit_uuid;type:varchar(36);not null;index" json:"habitUuid" validate:"required,uuid"`
	StartedAt          int64       `gorm:"column:started_at;not null" json:"startedAt" validate:"gt=0"`
	PausedAt           *int64      `gorm:"column:paused_at" json:"pausedAt,omitempty"`
	AccumulatedSeconds int64       `gorm:"column:accumulated_seconds;not null" json:"accumulatedSeconds" validate:"gte=0"`
	Status             TimerStatus `gorm:"type:varchar(16);not null" json:"status" validate:"oneof=running paused"`
}

func (ActiveTimer) TableName() string { return string(KindActiveTimers) }
func (ActiveTimer) Kind() Kind        { return KindActiveTimers }

// UserProfile is keyed by owner alone: one profile per account.
type UserProfile struct {
	SyncFields
	DisplayName string  `gorm:"column:display_name;type:text;not null" json:"displayName" validate:"max=120"`
	AvatarURL   *string `gorm:"column:avatar_url;type:text" json:"avatarUrl,omitempty" validate:"omitempty,url"`
	Timezone    string  `gorm:"type:varchar(64);not null" json:"timezone" validate:"omitempty,timezone"`
}

func (UserProfile) TableName() string   { return string(KindUserProfile) }
func (UserProfile) Kind() Kind          { return KindUserProfile }
func (u *UserProfile) DedupKey() string { return "" }

// SyncMetadata is the single-row table holding the global sync watermark.
type SyncMetadata struct {
	ID                string `gorm:"primaryKey;type:varchar(32)"`
	LastSyncTimestamp int64  `gorm:"column:last_sync_timestamp;not null;default:0"`
}

const SyncMetadataID = "default"

func (SyncMetadata) TableName() string { return "sync_metadata" }

// EntityWatermark tracks partial (single-kind) sync progress.
type EntityWatermark struct {
	Kind              Kind  `gorm:"primaryKey;type:varchar(32)"`
	LastSyncTimestamp int64 `gorm:"column:last_sync_timestamp;not null;default:0"`
}

func (EntityWatermark) TableName() string { return "sync_entity_watermarks" }

// All returns one zero value per table, for AutoMigrate in tests and tooling.
func All() []any {
	return []any{
		&Calendar{},
		&Habit{},
		&Completion{},
		&ActivityHistory{},
		&ActiveTimer{},
		&UserProfile{},
		&SyncMetadata{},
		&EntityWatermark{},
	}
}
