package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/hearthsync/hearth/internal/engine/conflict"
	"github.com/hearthsync/hearth/internal/engine/schema"
)

func (c *Coordinator) track(cf *schema.Conflict) {
	c.unresolved[cf.ID] = cf
	c.byRecord[cf.Key()] = cf.ID
}

func (c *Coordinator) untrack(cf *schema.Conflict) {
	delete(c.unresolved, cf.ID)
	if c.byRecord[cf.Key()] == cf.ID {
		delete(c.byRecord, cf.Key())
	}
}

// openConflict persists a new conflict, then withdraws the local operations
// it captured from the queue. The conflict is durable before the operations
// leave the queue, so a crash in between loses nothing.
func (c *Coordinator) openConflict(ctx context.Context, cf *schema.Conflict) {
	if err := c.db.UpsertConflict(ctx, cf); err != nil {
		c.logger.Printf("Warning: failed to persist conflict on %s: %v", cf.Key(), err)
		c.recordError("", cf.ID, err)
	}
	c.track(cf)

	if err := c.queue.Supersede(ctx, cf.LocalOperationIDs); err != nil {
		c.logger.Printf("Warning: failed to withdraw operations of conflict %s: %v", cf.ID, err)
		c.recordError("", cf.ID, err)
	}

	c.recorder.RecordConflict(cf.Type)
	c.logger.Printf("Conflict %s on %s: %s (local %s by %s, remote %s by %s)",
		cf.ID, cf.Key(), cf.Type,
		cf.LocalVersion.Kind, cf.LocalVersion.ModifiedBy,
		cf.RemoteVersion.Kind, cf.RemoteVersion.ModifiedBy)
	c.emit(schema.EventConflictDetected, schema.ModuleConflict, string(cf.Status), conflictData(cf))
}

// updateConflictRemote folds a newer remote change into an open conflict.
func (c *Coordinator) updateConflictRemote(ctx context.Context, cf *schema.Conflict, op *schema.Operation) {
	remoteOp := versionOperation(cf, cf.RemoteVersion)
	eff, _ := conflict.Collapse([]schema.Operation{remoteOp, *op})
	cf.RemoteVersion = schema.VersionOf(eff)
	cf.Type = conflict.Classify(cf.LocalVersion.Kind, cf.RemoteVersion.Kind)

	if err := c.db.UpsertConflict(ctx, cf); err != nil {
		c.logger.Printf("Warning: failed to persist conflict %s: %v", cf.ID, err)
		c.recordError(op.ID, cf.ID, err)
	}
	data := conflictData(cf)
	data["updated"] = true
	c.emit(schema.EventConflictDetected, schema.ModuleConflict, string(cf.Status), data)
}

// strategyFor picks the automatic strategy for a conflict.
func (c *Coordinator) strategyFor(cf *schema.Conflict) schema.Strategy {
	if cf.Type == schema.ConflictDeleted {
		return c.config.DeleteStrategy
	}
	if s, ok := c.config.Strategies[cf.Collection]; ok {
		return s
	}
	return c.config.DefaultStrategy
}

// autoResolve applies the configured strategy. Strategies that do not apply
// to the conflict type, manual ones and ones that already failed on this
// conflict leave it for a human.
func (c *Coordinator) autoResolve(ctx context.Context, cf *schema.Conflict) {
	strategy := c.strategyFor(cf)
	if strategy == schema.StrategyManual || cf.HasFailed(strategy) || !conflict.Applicable(cf.Type, strategy) {
		c.emit(schema.EventConflictDetected, schema.ModuleConflict, "awaiting_resolution", map[string]any{
			"conflict_id": cf.ID,
			"strategy":    string(strategy),
		})
		return
	}

	res, err := c.resolver.Resolve(cf, strategy)
	if err != nil {
		c.resolutionFailed(ctx, cf, strategy, err)
		return
	}
	if err := c.commitResolution(ctx, cf, res); err != nil {
		c.logger.Printf("Warning: failed to apply resolution of %s: %v", cf.ID, err)
		c.recordError("", cf.ID, err)
	}
}

func (c *Coordinator) resolutionFailed(ctx context.Context, cf *schema.Conflict, strategy schema.Strategy, err error) {
	if conflict.IsDecisionDeferred(err) {
		return
	}

	if !cf.HasFailed(strategy) {
		cf.FailedStrategies = append(cf.FailedStrategies, strategy)
	}
	cf.LastError = err.Error()
	if perr := c.db.UpsertConflict(ctx, cf); perr != nil {
		c.logger.Printf("Warning: failed to persist conflict %s: %v", cf.ID, perr)
	}

	c.logger.Printf("Resolution of %s with %s failed: %v", cf.ID, strategy, err)
	c.recordError("", cf.ID, err)
	c.emit(schema.EventResolutionFailed, schema.ModuleConflict, "error", map[string]any{
		"conflict_id": cf.ID,
		"strategy":    string(strategy),
		"error":       err.Error(),
	})
}

// commitResolution pushes the resolution operation through the queue and
// closes the conflict. The operation is queued first: if the process dies
// before the conflict is marked resolved, resolving again produces the same
// operation ID and finds it already queued.
func (c *Coordinator) commitResolution(ctx context.Context, cf *schema.Conflict, res *conflict.Result) error {
	if !c.queue.Contains(res.Operation.ID) {
		if err := c.queue.Enqueue(ctx, res.Operation); err != nil {
			return err
		}
	}

	if err := cf.Resolve(res.Status, res.Resolution); err != nil {
		return err
	}
	if err := c.db.UpsertConflict(ctx, cf); err != nil {
		c.logger.Printf("Warning: failed to persist resolved conflict %s: %v", cf.ID, err)
		c.recordError("", cf.ID, err)
	}
	c.untrack(cf)
	c.updateRecord(ctx, cf.Key(), c.config.DeviceID, nil)

	c.recorder.RecordResolved(res.Resolution.Strategy)
	c.logger.Printf("Conflict %s resolved with %s (%s wins)", cf.ID, res.Resolution.Strategy, res.Resolution.Winner)

	data := conflictData(cf)
	data["strategy"] = string(res.Resolution.Strategy)
	data["winner"] = string(res.Resolution.Winner)
	data["operation_id"] = res.Operation.ID
	data["resolved_by"] = res.Resolution.ResolvedBy
	c.emit(schema.EventConflictResolved, schema.ModuleConflict, string(cf.Status), data)
	return nil
}

// ResolveConflict resolves a conflict with an explicit strategy, or with
// human-chosen data under StrategyManual. Resolving a conflict that is
// already resolved with the same strategy succeeds without doing anything;
// a different strategy fails with schema.ErrAlreadyResolved.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID string, req schema.ResolutionRequest) (bool, error) {
	if !req.Strategy.IsValid() {
		return false, fmt.Errorf("unknown strategy %q", req.Strategy)
	}

	reply := make(chan resolveReply, 1)
	if err := c.send(ctx, resolveMsg{conflictID: conflictID, req: req, reply: reply}); err != nil {
		return false, err
	}
	select {
	case r := <-reply:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Coordinator) handleResolve(ctx context.Context, id string, req schema.ResolutionRequest) (bool, error) {
	cf, ok := c.unresolved[id]
	if !ok {
		stored, err := c.db.GetConflict(ctx, id)
		if err != nil {
			return false, err
		}
		if stored.FamilyID != c.config.FamilyID {
			return false, fmt.Errorf("conflict %s: %w", id, schema.ErrConflictNotFound)
		}
		if stored.IsResolved() {
			if repeatsResolution(stored.Resolution, req) {
				return true, nil
			}
			return false, schema.ErrAlreadyResolved
		}
		cf = stored
		c.track(cf)
	}

	var (
		res *conflict.Result
		err error
	)
	if req.Strategy == schema.StrategyManual {
		res, err = c.resolver.ResolveWithData(cf, req.Data, req.ResolvedBy)
	} else {
		res, err = c.resolver.Resolve(cf, req.Strategy)
		if err == nil && req.ResolvedBy != "" {
			res.Resolution.ResolvedBy = req.ResolvedBy
		}
	}
	if err != nil {
		var rf *schema.ResolutionFailure
		if errors.As(err, &rf) {
			c.resolutionFailed(ctx, cf, req.Strategy, err)
		}
		return false, err
	}

	if err := c.commitResolution(ctx, cf, res); err != nil {
		return false, err
	}
	return true, nil
}

// repeatsResolution reports whether req asks for the outcome already
// recorded in res. Manual requests must also carry the same data.
func repeatsResolution(res *schema.Resolution, req schema.ResolutionRequest) bool {
	if res == nil || res.Strategy != req.Strategy {
		return false
	}
	if req.Strategy == schema.StrategyManual {
		return schema.JSONEqual(res.Data, req.Data)
	}
	return true
}

// ListUnresolvedConflicts returns the family's open conflicts, oldest first.
func (c *Coordinator) ListUnresolvedConflicts(ctx context.Context, familyID string) ([]*schema.Conflict, error) {
	return c.db.ListConflicts(ctx, familyID, schema.StatusUnresolved)
}

// Conflicts returns conflicts of this family in the given statuses (all
// when none are given).
func (c *Coordinator) Conflicts(ctx context.Context, statuses ...schema.ConflictStatus) ([]*schema.Conflict, error) {
	return c.db.ListConflicts(ctx, c.config.FamilyID, statuses...)
}

// Conflict returns one conflict.
func (c *Coordinator) Conflict(ctx context.Context, id string) (*schema.Conflict, error) {
	return c.db.GetConflict(ctx, id)
}

func conflictData(cf *schema.Conflict) map[string]any {
	return map[string]any{
		"conflict_id":   cf.ID,
		"collection":    cf.Collection,
		"record_id":     cf.RecordID,
		"conflict_type": string(cf.Type),
		"local_ops":     len(cf.LocalOperationIDs),
	}
}
