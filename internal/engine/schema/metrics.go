package schema

import "time"

// SyncState is the coordinator's state machine position.
type SyncState string

const (
	StateIdle       SyncState = "idle"
	StateSyncing    SyncState = "syncing"
	StateSynced     SyncState = "synced"
	StateConflicted SyncState = "conflicted"
	StateError      SyncState = "error"
)

// ErrorEntry is one retained error in SyncMetrics.
type ErrorEntry struct {
	Time        time.Time `json:"time"`
	OperationID string    `json:"operation_id,omitempty"`
	ConflictID  string    `json:"conflict_id,omitempty"`
	Message     string    `json:"message"`
}

// SyncMetrics is a read-only snapshot of the coordinator's counters.
type SyncMetrics struct {
	SyncCount          int64         `json:"sync_count"`
	ConflictCount      int64         `json:"conflict_count"`
	ResolvedCount      int64         `json:"resolved_count"`
	AvgSyncTime        time.Duration `json:"avg_sync_time"`
	LastSuccessfulSync time.Time     `json:"last_successful_sync"`
	Errors             []ErrorEntry  `json:"errors,omitempty"`

	QueueDepth    int       `json:"queue_depth"`
	DeadLetters   int       `json:"dead_letters"`
	DroppedEvents int64     `json:"dropped_events"`
	State         SyncState `json:"state"`
}
