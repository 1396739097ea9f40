package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// Resolver applies resolution strategies to conflicts.
type Resolver struct {
	// DeviceID is recorded as the resolving device and becomes the origin
	// of the produced operation.
	DeviceID string

	// Now stamps Resolution.ResolvedAt. Defaults to time.Now.
	Now func() time.Time
}

// NewResolver creates a resolver acting for deviceID.
func NewResolver(deviceID string) *Resolver {
	return &Resolver{DeviceID: deviceID, Now: time.Now}
}

// Result is the outcome of a successful resolution.
type Result struct {
	Status     schema.ConflictStatus
	Resolution schema.Resolution

	// Operation carries the reconciled state. It is pushed through the queue
	// like any local mutation so the fix reaches every device.
	Operation *schema.Operation
}

// Resolve applies strategy to c.
//
// The produced operation depends only on the conflict and the strategy: its
// ID is derived from both and its timestamp is one nanosecond after the later
// version. Resolving the same conflict twice with the same strategy therefore
// yields the same operation.
//
// Errors:
//   - schema.ErrAlreadyResolved if c is terminal
//   - schema.ErrManualResolution for StrategyManual
//   - schema.ErrStrategyNotApplicable when the strategy cannot handle the
//     conflict type (delete conflicts only accept local_wins/remote_wins,
//     merge only handles concurrent modifications)
//   - *schema.ResolutionFailure when the strategy could not build a valid result
func (r *Resolver) Resolve(c *schema.Conflict, strategy schema.Strategy) (*Result, error) {
	if c.IsResolved() {
		return nil, schema.ErrAlreadyResolved
	}
	if !strategy.IsValid() {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
	if strategy == schema.StrategyManual {
		return nil, schema.ErrManualResolution
	}
	if err := checkApplicable(c.Type, strategy); err != nil {
		return nil, err
	}

	var (
		winner schema.Winner
		source schema.Version
		data   json.RawMessage
	)

	switch strategy {
	case schema.StrategyLocalWins:
		winner, source = schema.WinnerLocal, c.LocalVersion
		data = source.Data
	case schema.StrategyRemoteWins:
		winner, source = schema.WinnerRemote, c.RemoteVersion
		data = source.Data
	case schema.StrategyLastWriterWins:
		if LocalWinsLWW(c.LocalVersion, c.RemoteVersion) {
			winner, source = schema.WinnerLocal, c.LocalVersion
		} else {
			winner, source = schema.WinnerRemote, c.RemoteVersion
		}
		data = source.Data
	case schema.StrategyMerge:
		merged, err := mergeDocuments(c.LocalVersion.Data, c.RemoteVersion.Data,
			LocalWinsLWW(c.LocalVersion, c.RemoteVersion))
		if err != nil {
			return nil, &schema.ResolutionFailure{
				ConflictID: c.ID,
				Strategy:   strategy,
				Reason:     "field merge failed",
				Err:        err,
			}
		}
		winner = schema.WinnerMerged
		source = schema.Version{Kind: schema.OpUpdate}
		data = merged
	}

	deleted := source.Kind == schema.OpDelete
	return r.build(c, strategy, winner, data, deleted, r.DeviceID)
}

// ResolveWithData resolves c with a payload chosen by a human. The conflict
// ends up merged, whatever its type.
func (r *Resolver) ResolveWithData(c *schema.Conflict, data json.RawMessage, resolvedBy string) (*Result, error) {
	if c.IsResolved() {
		return nil, schema.ErrAlreadyResolved
	}
	if len(data) == 0 {
		return nil, schema.ErrManualResolution
	}
	if !json.Valid(data) {
		return nil, &schema.ResolutionFailure{
			ConflictID: c.ID,
			Strategy:   schema.StrategyManual,
			Reason:     "manual payload is not valid JSON",
		}
	}
	if resolvedBy == "" {
		resolvedBy = r.DeviceID
	}
	return r.build(c, schema.StrategyManual, schema.WinnerMerged, data, false, resolvedBy)
}

func (r *Resolver) build(c *schema.Conflict, strategy schema.Strategy, winner schema.Winner, data json.RawMessage, deleted bool, resolvedBy string) (*Result, error) {
	op := &schema.Operation{
		ID:             schema.ResolutionOperationID(c.ID, strategy),
		Timestamp:      maxTime(c.LocalVersion.Timestamp, c.RemoteVersion.Timestamp).Add(time.Nanosecond),
		Kind:           schema.OpUpdate,
		Collection:     c.Collection,
		RecordID:       c.RecordID,
		Payload:        data,
		OriginDeviceID: r.DeviceID,
		FamilyID:       c.FamilyID,
		ConflictID:     c.ID,
	}
	if deleted {
		op.Kind = schema.OpDelete
		op.Payload = nil
	}

	if err := op.Validate(); err != nil {
		return nil, &schema.ResolutionFailure{
			ConflictID: c.ID,
			Strategy:   strategy,
			Reason:     "produced operation is invalid",
			Err:        err,
		}
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	res := schema.Resolution{
		Strategy:    strategy,
		Winner:      winner,
		Data:        op.Payload,
		Deleted:     deleted,
		OperationID: op.ID,
		ResolvedBy:  resolvedBy,
		ResolvedAt:  now().UTC(),
	}

	return &Result{Status: statusFor(winner), Resolution: res, Operation: op}, nil
}

// checkApplicable enforces which strategies a conflict type accepts.
func checkApplicable(t schema.ConflictType, s schema.Strategy) error {
	switch t {
	case schema.ConflictDeleted:
		if s != schema.StrategyLocalWins && s != schema.StrategyRemoteWins {
			return fmt.Errorf("%s on %s: %w", s, t, schema.ErrStrategyNotApplicable)
		}
	case schema.ConflictData:
		if s == schema.StrategyMerge {
			return fmt.Errorf("%s on %s: %w", s, t, schema.ErrStrategyNotApplicable)
		}
	}
	return nil
}

// Applicable reports whether s can resolve conflicts of type t without
// human input.
func Applicable(t schema.ConflictType, s schema.Strategy) bool {
	return s != schema.StrategyManual && checkApplicable(t, s) == nil
}

// LocalWinsLWW reports whether the local version wins last-writer-wins.
// The later timestamp wins; on a tie the lexically greater device ID wins,
// so every device picks the same winner regardless of delivery order.
func LocalWinsLWW(local, remote schema.Version) bool {
	if !local.Timestamp.Equal(remote.Timestamp) {
		return local.Timestamp.After(remote.Timestamp)
	}
	return local.ModifiedBy > remote.ModifiedBy
}

func statusFor(w schema.Winner) schema.ConflictStatus {
	switch w {
	case schema.WinnerLocal:
		return schema.StatusResolvedLocal
	case schema.WinnerRemote:
		return schema.StatusResolvedCloud
	default:
		return schema.StatusMerged
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// IsDecisionDeferred reports whether err means the conflict simply waits
// for a human, as opposed to a strategy failure.
func IsDecisionDeferred(err error) bool {
	return errors.Is(err, schema.ErrManualResolution) || errors.Is(err, schema.ErrStrategyNotApplicable)
}
