package schema

import "time"

// EventType names a sync transition reported on the event feed.
type EventType string

const (
	EventOpEnqueued       EventType = "op_enqueued"
	EventOpAcknowledged   EventType = "op_acknowledged"
	EventOpRetry          EventType = "op_retry"
	EventOpDeadLettered   EventType = "op_dead_lettered"
	EventOpRevived        EventType = "op_revived"
	EventRemoteApplied    EventType = "remote_applied"
	EventResync           EventType = "resync"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
	EventResolutionFailed EventType = "resolution_failed"
	EventStateChanged     EventType = "state_changed"
	EventConnectivity     EventType = "connectivity"
	EventDeviceSeen       EventType = "device_seen"
	EventError            EventType = "error"
)

// Event module names.
const (
	ModuleQueue       = "queue"
	ModuleRemote      = "remote"
	ModuleConflict    = "conflict"
	ModuleCoordinator = "coordinator"
	ModuleRegistry    = "registry"
)

// Event is one entry of the event feed.
type Event struct {
	// Seq is assigned by the feed and increases by one per event.
	Seq uint64 `json:"seq"`

	Type     EventType      `json:"type"`
	Module   string         `json:"module"`
	DeviceID string         `json:"device_id"`
	UserID   string         `json:"user_id,omitempty"`
	Status   string         `json:"status"`
	Data     map[string]any `json:"data,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
