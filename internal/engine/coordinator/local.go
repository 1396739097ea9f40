package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hearthsync/hearth/internal/engine/conflict"
	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/remote"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

type message interface{}

type submitMsg struct {
	op    *schema.Operation
	reply chan error
}

type remoteMsg struct {
	generation int
	change     remote.Change
}

type txResult struct {
	op  schema.Operation
	err error
}

type resolveMsg struct {
	conflictID string
	req        schema.ResolutionRequest
	reply      chan resolveReply
}

type resolveReply struct {
	ok  bool
	err error
}

type connectivityMsg struct {
	online bool
}

// SubmitMutation records a local change and returns its operation ID once
// the operation is durable. Delivery happens in the background; its outcome
// is reported on the event feed. Network trouble never fails this call.
func (c *Coordinator) SubmitMutation(ctx context.Context, collection, recordID string, kind schema.OpKind, payload json.RawMessage) (string, error) {
	if !c.syncs(collection) {
		return "", fmt.Errorf("collection %q is not synced", collection)
	}

	op := &schema.Operation{
		ID:             schema.NewOperationID(),
		Timestamp:      c.clock.Now(),
		Kind:           kind,
		Collection:     collection,
		RecordID:       recordID,
		Payload:        payload,
		OriginDeviceID: c.config.DeviceID,
		FamilyID:       c.config.FamilyID,
	}
	if kind == schema.OpDelete {
		op.Payload = nil
	}
	if err := op.Validate(); err != nil {
		return "", fmt.Errorf("invalid mutation: %w", err)
	}

	reply := make(chan error, 1)
	if err := c.send(ctx, submitMsg{op: op, reply: reply}); err != nil {
		return "", err
	}
	select {
	case err := <-reply:
		if err != nil {
			return "", err
		}
		return op.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) handleSubmit(ctx context.Context, op *schema.Operation) error {
	key := op.Key()
	c.registry.Touch()

	// A record waiting on a conflict holds new local edits inside the
	// conflict, so a later resolution cannot overwrite them.
	if id, ok := c.byRecord[key]; ok {
		cf := c.unresolved[id]
		local := versionOperation(cf, cf.LocalVersion)
		eff, _ := conflict.Collapse([]schema.Operation{local, *op})
		cf.LocalVersion = schema.VersionOf(eff)
		cf.LocalOperationIDs = append(cf.LocalOperationIDs, op.ID)
		cf.Type = conflict.Classify(cf.LocalVersion.Kind, cf.RemoteVersion.Kind)
		if err := c.db.UpsertConflict(ctx, cf); err != nil {
			return &schema.PersistenceFailure{Op: "submit", Err: err}
		}
		c.updateRecord(ctx, key, c.config.DeviceID, nil)
		c.emit(schema.EventOpEnqueued, schema.ModuleQueue, "held", map[string]any{
			"operation_id": op.ID,
			"collection":   op.Collection,
			"record_id":    op.RecordID,
			"kind":         string(op.Kind),
			"conflict_id":  cf.ID,
		})
		return nil
	}

	if err := c.queue.Enqueue(ctx, op); err != nil {
		return err
	}
	c.updateRecord(ctx, key, c.config.DeviceID, nil)
	c.emit(schema.EventOpEnqueued, schema.ModuleQueue, "pending", map[string]any{
		"operation_id": op.ID,
		"collection":   op.Collection,
		"record_id":    op.RecordID,
		"kind":         string(op.Kind),
	})
	return nil
}

// Record returns the local reconciled view of one record, or nil if it was
// never seen.
func (c *Coordinator) Record(ctx context.Context, collection, recordID string) (*db.Record, error) {
	return c.db.GetRecord(ctx, c.config.FamilyID, schema.RecordKey{Collection: collection, RecordID: recordID})
}

// Records returns the live records of a collection.
func (c *Coordinator) Records(ctx context.Context, collection string) ([]*db.Record, error) {
	return c.db.ListRecords(ctx, c.config.FamilyID, collection)
}

// updateRecord rewrites the local view of a record. base, when set, moves
// the record's base (the state known to be in the backing store). The view
// is then recomputed as the base with the local edits on top: acknowledged
// ones the feed has not reported yet, then the queued ones, or for a record
// in conflict the conflict's local version.
func (c *Coordinator) updateRecord(ctx context.Context, key schema.RecordKey, updatedBy string, base func(r *db.Record)) {
	rec, err := c.db.GetRecord(ctx, c.config.FamilyID, key)
	if err != nil {
		c.logger.Printf("Warning: failed to load record %s: %v", key, err)
		c.recordError("", "", err)
		return
	}
	if rec == nil {
		rec = &db.Record{
			FamilyID:    c.config.FamilyID,
			Collection:  key.Collection,
			RecordID:    key.RecordID,
			BaseDeleted: true,
		}
	}
	if base != nil {
		base(rec)
	}

	pending := append([]schema.Operation(nil), c.unechoed[key]...)
	if id, ok := c.byRecord[key]; ok {
		cf := c.unresolved[id]
		pending = append(pending, versionOperation(cf, cf.LocalVersion))
	} else {
		pending = append(pending, c.queue.Pending(key)...)
	}
	rec.Data, rec.Deleted = replay(rec.BaseData, rec.BaseDeleted, pending)
	rec.UpdatedBy = updatedBy
	rec.UpdatedAt = c.config.Now().UTC()

	if err := c.db.PutRecord(ctx, rec); err != nil {
		c.logger.Printf("Warning: failed to store record %s: %v", key, err)
		c.recordError("", "", err)
	}
}

// applyOp returns the record state after op.
func applyOp(data json.RawMessage, deleted bool, op *schema.Operation) (json.RawMessage, bool) {
	if op.Kind == schema.OpDelete {
		return nil, true
	}
	if deleted {
		data = nil
	}
	return schema.ApplyPayload(data, op), false
}

// replay applies ops in order on top of a base state.
func replay(data json.RawMessage, deleted bool, ops []schema.Operation) (json.RawMessage, bool) {
	for i := range ops {
		data, deleted = applyOp(data, deleted, &ops[i])
	}
	return data, deleted
}

// versionOperation turns one side of a conflict back into an operation.
func versionOperation(cf *schema.Conflict, v schema.Version) schema.Operation {
	return schema.Operation{
		ID:             v.OperationID,
		Timestamp:      v.Timestamp,
		Kind:           v.Kind,
		Collection:     cf.Collection,
		RecordID:       cf.RecordID,
		Payload:        v.Data,
		OriginDeviceID: v.ModifiedBy,
		FamilyID:       cf.FamilyID,
	}
}
