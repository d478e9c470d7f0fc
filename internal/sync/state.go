package sync

// State is the reconciliation state machine:
//
//	Idle -> Pulling -> Merging -> Pushing -> Idle
//	any  -> Failed  -> Idle
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StateMerging State = "merging"
	StatePushing State = "pushing"
	StateFailed  State = "failed"
)

// Status is the outcome reported for one FullSync or SyncEntity call.
type Status string

const (
	// StatusCompleted means pull and push finished and the watermark advanced.
	StatusCompleted Status = "completed"
	// StatusOffline means no credential was available; nothing was touched.
	StatusOffline Status = "offline"
	// StatusBusy means another cycle was running and this call did nothing.
	StatusBusy Status = "busy"
	// StatusFailed means the cycle stopped early; the watermark is unchanged.
	StatusFailed Status = "failed"
)

// FailureNotice is the one user-facing message for a failed cycle.
const FailureNotice = "sync failed, will retry"
