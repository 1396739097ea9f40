package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/hearthsync/hearth/internal/engine/remote"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

// drain leases due operations and transmits each in its own goroutine, up
// to MaxInFlight at a time. Nothing is sent while offline or before every
// collection delivered its baseline, so remote changes made in the meantime
// are checked against the pending operations first.
func (c *Coordinator) drain(ctx context.Context) {
	if !c.isOnline() || len(c.baselinePending) > 0 {
		return
	}
	room := c.config.MaxInFlight - c.inflight
	if room <= 0 {
		return
	}

	batch := c.queue.PeekBatch(room)
	if len(batch) == 0 {
		return
	}

	c.mu.RLock()
	g := c.group
	c.mu.RUnlock()

	for _, op := range batch {
		op := op
		c.inflight++
		g.Go(func() error {
			c.transmit(ctx, op)
			return nil
		})
	}
}

func (c *Coordinator) transmit(ctx context.Context, op schema.Operation) {
	tctx, cancel := context.WithTimeout(ctx, c.config.TransmitTimeout)
	err := c.store.Write(tctx, &op)
	cancel()

	if err != nil && !remote.IsPermanent(err) {
		err = remote.Transient("transmit", err)
	}

	select {
	case c.msgs <- txResult{op: op, err: err}:
	case <-ctx.Done():
	}
}

// handleTx settles a finished transmission.
func (c *Coordinator) handleTx(ctx context.Context, res txResult) {
	c.inflight--
	op := res.op

	if res.err == nil {
		c.acknowledged(ctx, op)
		return
	}

	if ctx.Err() != nil || errors.Is(res.err, context.Canceled) {
		c.queue.RequeueFront(op)
		return
	}

	result, err := c.queue.Fail(ctx, op.ID, res.err)
	if err != nil {
		if errors.Is(err, schema.ErrOperationNotFound) {
			return
		}
		c.logger.Printf("Warning: failed to record failure of %s: %v", op.ID, err)
		c.recordError(op.ID, op.ConflictID, err)
		return
	}

	if result.DeadLetter {
		c.recordError(op.ID, op.ConflictID, res.err)
		c.emit(schema.EventOpDeadLettered, schema.ModuleQueue, "dead_letter", map[string]any{
			"operation_id": op.ID,
			"collection":   op.Collection,
			"record_id":    op.RecordID,
			"attempts":     result.Attempts,
			"error":        res.err.Error(),
		})
		c.setState(schema.StateError)
		return
	}
	if result.Attempts == 0 {
		// Withdrawn into a conflict while in flight.
		return
	}

	c.emit(schema.EventOpRetry, schema.ModuleQueue, "retry", map[string]any{
		"operation_id": op.ID,
		"attempts":     result.Attempts,
		"next_attempt": result.NextAttempt.Format(time.RFC3339Nano),
		"error":        res.err.Error(),
	})
}

func (c *Coordinator) acknowledged(ctx context.Context, op schema.Operation) {
	if err := c.queue.Acknowledge(ctx, op.ID); err != nil {
		c.logger.Printf("Warning: %v", err)
		c.recordError(op.ID, op.ConflictID, err)
	}

	// The base only moves when the store's feed reports the operation, so
	// it follows commit order. Until then the operation stays on top of the
	// view.
	key := op.Key()
	echoed, err := c.db.IsApplied(ctx, op.ID)
	if err != nil {
		c.logger.Printf("Warning: echo check for %s failed: %v", op.ID, err)
	}
	if !echoed {
		c.unechoed[key] = append(c.unechoed[key], op)
	}
	c.updateRecord(ctx, key, op.OriginDeviceID, nil)

	now := c.config.Now()
	c.recorder.RecordSync(now.Sub(op.Timestamp), now.UTC())

	data := map[string]any{
		"operation_id": op.ID,
		"collection":   op.Collection,
		"record_id":    op.RecordID,
		"kind":         string(op.Kind),
	}
	if op.ConflictID != "" {
		data["conflict_id"] = op.ConflictID
	}
	c.emit(schema.EventOpAcknowledged, schema.ModuleQueue, "acknowledged", data)
}
