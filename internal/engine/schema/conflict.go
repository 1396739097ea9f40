package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConflictType classifies how two operations collided.
type ConflictType string

const (
	// ConflictConcurrentModification is two updates on the same record.
	ConflictConcurrentModification ConflictType = "concurrent_modification"
	// ConflictDeleted is a delete racing any other operation.
	ConflictDeleted ConflictType = "deleted_conflict"
	// ConflictData is a create racing a create or an update.
	ConflictData ConflictType = "data_conflict"
)

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

const (
	StatusUnresolved    ConflictStatus = "unresolved"
	StatusResolvedLocal ConflictStatus = "resolved_local"
	StatusResolvedCloud ConflictStatus = "resolved_cloud"
	StatusMerged        ConflictStatus = "merged"
)

// IsTerminal reports whether the status is a final one.
func (s ConflictStatus) IsTerminal() bool {
	switch s {
	case StatusResolvedLocal, StatusResolvedCloud, StatusMerged:
		return true
	}
	return false
}

// Strategy is a conflict resolution policy.
type Strategy string

const (
	StrategyLastWriterWins Strategy = "last_writer_wins"
	StrategyRemoteWins     Strategy = "remote_wins"
	StrategyLocalWins      Strategy = "local_wins"
	StrategyMerge          Strategy = "merge"
	StrategyManual         Strategy = "manual"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyLastWriterWins, StrategyRemoteWins, StrategyLocalWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// ParseStrategy converts configuration or user input into a Strategy.
// The short aliases lww, ours and theirs are accepted.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "lww":
		return StrategyLastWriterWins, nil
	case "ours", "local":
		return StrategyLocalWins, nil
	case "theirs", "remote", "cloud":
		return StrategyRemoteWins, nil
	}
	st := Strategy(s)
	if !st.IsValid() {
		return "", fmt.Errorf("invalid strategy %q (valid: last_writer_wins, remote_wins, local_wins, merge, manual)", s)
	}
	return st, nil
}

// Version is one side of a conflict.
type Version struct {
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	ModifiedBy  string          `json:"modified_by"`
	Kind        OpKind          `json:"kind"`
	OperationID string          `json:"operation_id"`
}

// VersionOf captures an operation as a conflict version.
func VersionOf(op *Operation) Version {
	return Version{
		Data:        op.Payload,
		Timestamp:   op.Timestamp,
		ModifiedBy:  op.OriginDeviceID,
		Kind:        op.Kind,
		OperationID: op.ID,
	}
}

// Winner names the side a resolution picked.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// Resolution records how a conflict left the unresolved state.
type Resolution struct {
	Strategy    Strategy        `json:"strategy"`
	Winner      Winner          `json:"winner"`
	Data        json.RawMessage `json:"data,omitempty"`
	Deleted     bool            `json:"deleted,omitempty"`
	OperationID string          `json:"operation_id"`
	ResolvedBy  string          `json:"resolved_by"`
	ResolvedAt  time.Time       `json:"resolved_at"`
}

// Conflict is a collision between a pending local operation and a remote one
// on the same record.
type Conflict struct {
	ID         string         `json:"id"`
	FamilyID   string         `json:"family_id"`
	Collection string         `json:"collection"`
	RecordID   string         `json:"record_id"`
	Type       ConflictType   `json:"conflict_type"`
	Status     ConflictStatus `json:"status"`

	LocalVersion  Version `json:"local_version"`
	RemoteVersion Version `json:"remote_version"`

	// Resolution is nil while the conflict is unresolved.
	Resolution *Resolution `json:"resolution,omitempty"`

	// LocalOperationIDs are the queued operations folded into LocalVersion.
	// They were withdrawn from the queue when the conflict was recorded.
	LocalOperationIDs []string `json:"local_operation_ids,omitempty"`

	// FailedStrategies lists strategies that already failed on this conflict.
	// They are never retried automatically.
	FailedStrategies []Strategy `json:"failed_strategies,omitempty"`
	LastError        string     `json:"last_error,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// Key returns the record the conflict is about.
func (c *Conflict) Key() RecordKey {
	return RecordKey{Collection: c.Collection, RecordID: c.RecordID}
}

// IsResolved reports whether the conflict reached a terminal status.
func (c *Conflict) IsResolved() bool {
	return c.Status.IsTerminal()
}

// HasFailed reports whether strategy already failed on this conflict.
func (c *Conflict) HasFailed(strategy Strategy) bool {
	for _, s := range c.FailedStrategies {
		if s == strategy {
			return true
		}
	}
	return false
}

// Resolve moves the conflict to a terminal status. It fails if the conflict
// is already terminal; a conflict transitions exactly once.
func (c *Conflict) Resolve(status ConflictStatus, res Resolution) error {
	if c.IsResolved() {
		return ErrAlreadyResolved
	}
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	c.Status = status
	c.Resolution = &res
	c.LastError = ""
	return nil
}

// Clone returns a deep enough copy for handing out to readers.
func (c *Conflict) Clone() *Conflict {
	cp := *c
	if c.Resolution != nil {
		res := *c.Resolution
		cp.Resolution = &res
	}
	cp.LocalOperationIDs = append([]string(nil), c.LocalOperationIDs...)
	cp.FailedStrategies = append([]Strategy(nil), c.FailedStrategies...)
	return &cp
}

// ResolutionRequest is an explicit resolution asked for through the API.
// Data is only used with StrategyManual, where it carries the payload a human chose.
type ResolutionRequest struct {
	Strategy   Strategy        `json:"strategy"`
	Data       json.RawMessage `json:"data,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
}
