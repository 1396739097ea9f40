package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hearthsync/hearth/internal/engine/conflict"
	"github.com/hearthsync/hearth/internal/engine/db"
	"github.com/hearthsync/hearth/internal/engine/registry"
	"github.com/hearthsync/hearth/internal/engine/remote"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

// subscribeAll follows every synced collection plus presence. Changes from
// an earlier generation of subscriptions are ignored by the loop, and
// draining waits until each data collection has delivered its baseline.
func (c *Coordinator) subscribeAll(ctx context.Context) {
	c.unsubscribeAll()

	c.generation++
	gen := c.generation
	subCtx, cancel := context.WithCancel(ctx)
	c.subCancel = cancel

	c.baselinePending = make(map[string]bool, len(c.config.Collections))
	for _, col := range c.config.Collections {
		c.baselinePending[col] = true
	}

	collections := append(c.Collections(), schema.PresenceCollection)
	for _, col := range collections {
		unsub := c.listener.Subscribe(subCtx, col, c.config.FamilyID, func(ch remote.Change) {
			select {
			case c.msgs <- remoteMsg{generation: gen, change: ch}:
			case <-subCtx.Done():
			}
		})
		c.unsubs = append(c.unsubs, unsub)
	}
}

func (c *Coordinator) unsubscribeAll() {
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// handleRemote applies one change delivered by the listener.
//
// In order: stale generations, foreign families and presence are routed
// away; duplicates and baseline entries already known are skipped; echoes of
// this device's operations only move the base; a change to a record with
// pending local operations goes through conflict detection; anything else
// is applied to the local view.
func (c *Coordinator) handleRemote(ctx context.Context, m remoteMsg) {
	if m.generation != c.generation {
		return
	}
	ch := m.change

	if ch.BaselineDone {
		if c.baselinePending[ch.Collection] {
			delete(c.baselinePending, ch.Collection)
			c.emit(schema.EventResync, schema.ModuleRemote, "baseline_done", map[string]any{
				"collection": ch.Collection,
			})
			if len(c.baselinePending) == 0 {
				c.logger.Printf("Baseline complete for %d collections", len(c.config.Collections))
			}
		}
		return
	}

	op := ch.Op
	if op.FamilyID != c.config.FamilyID {
		return
	}
	c.clock.Observe(op.Timestamp)

	if op.Collection == schema.PresenceCollection {
		c.observePresence(&op)
		return
	}
	if !c.syncs(op.Collection) {
		return
	}

	key := op.Key()
	rec, err := c.db.GetRecord(ctx, c.config.FamilyID, key)
	if err != nil {
		c.logger.Printf("Warning: failed to load record %s: %v", key, err)
		c.recordError(op.ID, "", err)
		return
	}

	if ch.State {
		// A baseline entry describes the whole record; it only matters if
		// the store moved past what this device knows.
		if rec != nil && rec.BaseOpID == op.ID {
			return
		}
	} else {
		applied, err := c.db.IsApplied(ctx, op.ID)
		if err != nil {
			c.logger.Printf("Warning: duplicate check for %s failed: %v", op.ID, err)
		}
		if applied {
			return
		}
		if op.OriginDeviceID == c.config.DeviceID {
			c.echoed(ctx, &op)
			return
		}
	}
	if !ch.Resync {
		c.touched = true
	}

	moveBase := func(r *db.Record) {
		if ch.State {
			// The snapshot already contains every acknowledged operation.
			delete(c.unechoed, key)
			r.BaseData, r.BaseDeleted = nil, op.Kind == schema.OpDelete
			if !r.BaseDeleted {
				r.BaseData = op.Payload
			}
		} else {
			r.BaseData, r.BaseDeleted = applyOp(r.BaseData, r.BaseDeleted, &op)
		}
		r.BaseOpID = op.ID
	}

	edit, visible := op, true
	if ch.State {
		edit, visible = remoteEdit(rec, op)
	}

	switch {
	case c.byRecord[key] != "":
		if visible {
			c.updateConflictRemote(ctx, c.unresolved[c.byRecord[key]], &edit)
		}
		c.updateRecord(ctx, key, op.OriginDeviceID, moveBase)

	default:
		pending := c.uncommitted(ctx, c.queue.Pending(key))
		var detected *schema.Conflict
		if len(pending) > 0 && visible {
			local, ids := conflict.Collapse(pending)
			detected = conflict.Detect(local, &edit)
			if detected != nil {
				detected.LocalOperationIDs = ids
				detected.DetectedAt = c.config.Now().UTC()
			}
		}

		if detected == nil {
			c.updateRecord(ctx, key, op.OriginDeviceID, moveBase)
			c.emit(schema.EventRemoteApplied, schema.ModuleRemote, "applied", map[string]any{
				"operation_id": op.ID,
				"collection":   op.Collection,
				"record_id":    op.RecordID,
				"kind":         string(op.Kind),
				"origin":       op.OriginDeviceID,
				"resync":       ch.Resync,
			})
		} else {
			c.openConflict(ctx, detected)
			c.updateRecord(ctx, key, op.OriginDeviceID, moveBase)
			c.autoResolve(ctx, detected)
		}
	}

	if !ch.State {
		if _, err := c.db.MarkApplied(ctx, op.ID); err != nil {
			c.logger.Printf("Warning: failed to remember %s: %v", op.ID, err)
		}
	}
}

// echoed moves a record's base past one of this device's own operations
// as the feed reports it.
func (c *Coordinator) echoed(ctx context.Context, op *schema.Operation) {
	key := op.Key()
	rest := c.unechoed[key][:0]
	for _, u := range c.unechoed[key] {
		if u.ID != op.ID {
			rest = append(rest, u)
		}
	}
	if len(rest) == 0 {
		delete(c.unechoed, key)
	} else {
		c.unechoed[key] = rest
	}

	c.updateRecord(ctx, key, op.OriginDeviceID, func(r *db.Record) {
		r.BaseData, r.BaseDeleted = applyOp(r.BaseData, r.BaseDeleted, op)
		r.BaseOpID = op.ID
	})
	if _, err := c.db.MarkApplied(ctx, op.ID); err != nil {
		c.logger.Printf("Warning: failed to remember %s: %v", op.ID, err)
	}
}

// uncommitted drops operations the feed already reported as committed.
// They can still be queued while their acknowledgement is on its way.
func (c *Coordinator) uncommitted(ctx context.Context, ops []schema.Operation) []schema.Operation {
	out := ops[:0]
	for _, op := range ops {
		if applied, err := c.db.IsApplied(ctx, op.ID); err == nil && applied {
			continue
		}
		out = append(out, op)
	}
	return out
}

// remoteEdit narrows a baseline entry to the fields that differ from the
// record's known base, so fields nobody touched do not read as concurrent
// edits. It reports false when the entry changes nothing visible.
func remoteEdit(rec *db.Record, op schema.Operation) (schema.Operation, bool) {
	if op.Kind == schema.OpDelete || rec == nil || rec.BaseDeleted {
		return op, true
	}
	base, err := schema.DecodeObject(rec.BaseData)
	if err != nil {
		return op, true
	}
	state, err := schema.DecodeObject(op.Payload)
	if err != nil {
		return op, true
	}

	changed := make(map[string]json.RawMessage)
	for k, v := range state {
		if old, ok := base[k]; !ok || !schema.JSONEqual(old, v) {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		return op, false
	}
	payload, err := json.Marshal(changed)
	if err != nil {
		return op, true
	}
	op.Kind = schema.OpUpdate
	op.Payload = payload
	return op, true
}

func (c *Coordinator) observePresence(op *schema.Operation) {
	info, err := registry.DecodePresence(op)
	if err != nil {
		c.logger.Printf("Warning: ignoring presence record: %v", err)
		return
	}
	if !c.registry.Observe(*info) {
		return
	}
	c.emit(schema.EventDeviceSeen, schema.ModuleRegistry, string(info.Status), map[string]any{
		"device_id":   info.DeviceID,
		"platform":    info.Platform,
		"app_version": info.AppVersion,
		"last_seen":   info.LastSeen.Format(time.RFC3339),
	})
}
