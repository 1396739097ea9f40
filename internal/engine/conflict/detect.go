// Package conflict detects collisions between pending local operations and
// incoming remote ones, and resolves them with a chosen strategy.
//
// Both halves are pure functions of their inputs: no I/O, no clocks other
// than the ones passed in. The coordinator calls them from its serialized
// loop, so nothing here needs locking.
package conflict

import (
	"sort"
	"time"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// Detect decides whether a pending local operation and a remote operation
// conflict. It returns nil when they don't:
//
//   - they target different records
//   - the remote operation is this device's own echoed write
//   - they are the same operation
//   - both delete the record
//   - both leave the record in the same state
//
// A delete on either side is always a deleted_conflict, whatever the
// timestamps say. Two updates are a concurrent_modification; anything else
// involving a create is a data_conflict.
//
// The caller guarantees local is still unacknowledged.
func Detect(local, remote *schema.Operation) *schema.Conflict {
	if local == nil || remote == nil {
		return nil
	}
	if local.Key() != remote.Key() || local.FamilyID != remote.FamilyID {
		return nil
	}
	if local.OriginDeviceID == remote.OriginDeviceID {
		return nil
	}
	if local.ID == remote.ID {
		return nil
	}
	if local.Kind == schema.OpDelete && remote.Kind == schema.OpDelete {
		return nil
	}
	if local.Kind == remote.Kind && local.SamePayload(remote) {
		return nil
	}

	return &schema.Conflict{
		ID:                schema.NewConflictID(),
		FamilyID:          local.FamilyID,
		Collection:        local.Collection,
		RecordID:          local.RecordID,
		Type:              Classify(local.Kind, remote.Kind),
		Status:            schema.StatusUnresolved,
		LocalVersion:      schema.VersionOf(local),
		RemoteVersion:     schema.VersionOf(remote),
		LocalOperationIDs: []string{local.ID},
		DetectedAt:        time.Now().UTC(),
	}
}

// Classify returns the conflict type for a pair of operation kinds.
func Classify(local, remote schema.OpKind) schema.ConflictType {
	switch {
	case local == schema.OpDelete || remote == schema.OpDelete:
		return schema.ConflictDeleted
	case local == schema.OpUpdate && remote == schema.OpUpdate:
		return schema.ConflictConcurrentModification
	default:
		return schema.ConflictData
	}
}

// Collapse folds the pending operations of one record into a single
// effective operation, as if they had been submitted as one. The result
// carries the ID, timestamp and origin of the last operation; the returned
// IDs are those of every folded operation in timestamp order.
//
// Folding rules, applied in timestamp order:
//
//	delete            -> the record is deleted
//	create            -> the record is replaced
//	update on create  -> the create's payload is patched, still a create
//	update on delete  -> the record comes back as an update
//	update on update  -> fields are patched, later values win
func Collapse(ops []schema.Operation) (*schema.Operation, []string) {
	if len(ops) == 0 {
		return nil, nil
	}

	sorted := append([]schema.Operation(nil), ops...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	eff := sorted[0]
	ids := []string{eff.ID}

	for _, op := range sorted[1:] {
		ids = append(ids, op.ID)

		switch op.Kind {
		case schema.OpDelete:
			eff.Kind = schema.OpDelete
			eff.Payload = nil
		case schema.OpCreate:
			eff.Kind = schema.OpCreate
			eff.Payload = op.Payload
		case schema.OpUpdate:
			if eff.Kind == schema.OpDelete {
				eff.Kind = schema.OpUpdate
				eff.Payload = op.Payload
			} else {
				eff.Payload = schema.ApplyPayload(eff.Payload, &op)
			}
		}

		eff.ID = op.ID
		eff.Timestamp = op.Timestamp
		eff.OriginDeviceID = op.OriginDeviceID
		eff.ConflictID = op.ConflictID
	}

	return &eff, ids
}
