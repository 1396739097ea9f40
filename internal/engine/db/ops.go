package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// PendingOp is a row of the pending_ops table.
type PendingOp struct {
	Seq           int64
	Op            schema.Operation
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Dead          bool
	EnqueuedAt    time.Time
}

const pendingColumns = `
	seq, id, family_id, collection, record_id, kind, payload,
	origin_device_id, conflict_id, ts, attempts, next_attempt_at,
	last_error, dead, enqueued_at`

// InsertPendingOp appends an operation to the queue table in a single
// statement and returns its sequence number.
func (db *DB) InsertPendingOp(ctx context.Context, op *schema.Operation) (int64, error) {
	if err := op.Validate(); err != nil {
		return 0, fmt.Errorf("invalid operation: %w", err)
	}

	query := `
	INSERT INTO pending_ops (
		id, family_id, collection, record_id, kind, payload,
		origin_device_id, conflict_id, ts, enqueued_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := db.conn.ExecContext(ctx, query,
		op.ID,
		op.FamilyID,
		op.Collection,
		op.RecordID,
		string(op.Kind),
		nullString(string(op.Payload)),
		op.OriginDeviceID,
		nullString(op.ConflictID),
		toNanos(op.Timestamp),
		time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending op %s: %w", op.ID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence of op %s: %w", op.ID, err)
	}
	return seq, nil
}

// DeletePendingOp removes one operation. Returns nil if it doesn't exist.
func (db *DB) DeletePendingOp(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete pending op %s: %w", id, err)
	}
	return nil
}

// DeletePendingOps removes several operations in one transaction.
func (db *DB) DeletePendingOps(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete pending op %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordFailure stores the retry bookkeeping of an operation.
func (db *DB) RecordFailure(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string, dead bool) error {
	query := `
	UPDATE pending_ops
	SET attempts = ?, next_attempt_at = ?, last_error = ?, dead = ?
	WHERE id = ?
	`
	res, err := db.conn.ExecContext(ctx, query, attempts, toNanos(nextAttempt), nullString(lastErr), boolToInt(dead), id)
	if err != nil {
		return fmt.Errorf("failed to record failure of op %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending op %s: %w", id, schema.ErrOperationNotFound)
	}
	return nil
}

// RevivePendingOp moves a dead-lettered operation back into the live queue
// with its retry state cleared.
func (db *DB) RevivePendingOp(ctx context.Context, id string) error {
	query := `
	UPDATE pending_ops
	SET attempts = 0, next_attempt_at = 0, last_error = NULL, dead = 0
	WHERE id = ? AND dead = 1
	`
	res, err := db.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to revive op %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-lettered op %s: %w", id, schema.ErrOperationNotFound)
	}
	return nil
}

// LoadPendingOps returns every queued operation of a family, dead letters
// included, in insertion order.
func (db *DB) LoadPendingOps(ctx context.Context, familyID string) ([]*PendingOp, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_ops WHERE family_id = ? ORDER BY seq ASC`

	rows, err := db.conn.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending ops: %w", err)
	}
	defer rows.Close()

	return scanPendingOps(rows)
}

// ListDeadLetters returns the dead-lettered operations of a family.
func (db *DB) ListDeadLetters(ctx context.Context, familyID string) ([]*PendingOp, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_ops WHERE family_id = ? AND dead = 1 ORDER BY seq ASC`

	rows, err := db.conn.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	return scanPendingOps(rows)
}

// CountPendingOps returns the number of live and dead operations.
func (db *DB) CountPendingOps(ctx context.Context, familyID string) (live, dead int, err error) {
	query := `
	SELECT
		COALESCE(SUM(CASE WHEN dead = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN dead = 1 THEN 1 ELSE 0 END), 0)
	FROM pending_ops WHERE family_id = ?
	`
	if err := db.conn.QueryRowContext(ctx, query, familyID).Scan(&live, &dead); err != nil {
		return 0, 0, fmt.Errorf("failed to count pending ops: %w", err)
	}
	return live, dead, nil
}

func scanPendingOps(rows *sql.Rows) ([]*PendingOp, error) {
	var ops []*PendingOp
	for rows.Next() {
		var (
			p          PendingOp
			kind       string
			payload    sql.NullString
			conflictID sql.NullString
			lastErr    sql.NullString
			ts         int64
			nextAt     int64
			dead       int
			enqueuedAt int64
		)

		err := rows.Scan(
			&p.Seq, &p.Op.ID, &p.Op.FamilyID, &p.Op.Collection, &p.Op.RecordID,
			&kind, &payload, &p.Op.OriginDeviceID, &conflictID, &ts,
			&p.Attempts, &nextAt, &lastErr, &dead, &enqueuedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending op: %w", err)
		}

		p.Op.Kind = schema.OpKind(kind)
		if payload.Valid {
			p.Op.Payload = json.RawMessage(payload.String)
		}
		p.Op.ConflictID = conflictID.String
		p.Op.Timestamp = fromNanos(ts)
		p.NextAttemptAt = fromNanos(nextAt)
		p.LastError = lastErr.String
		p.Dead = dead == 1
		p.EnqueuedAt = fromNanos(enqueuedAt)

		ops = append(ops, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending ops: %w", err)
	}

	return ops, nil
}

// MarkApplied remembers that a remote operation was applied.
// It returns false when the operation was already recorded.
func (db *DB) MarkApplied(ctx context.Context, opID string) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO applied_ops (op_id, applied_at) VALUES (?, ?) ON CONFLICT(op_id) DO NOTHING`,
		opID, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to mark op %s applied: %w", opID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark op %s applied: %w", opID, err)
	}
	return n > 0, nil
}

// IsApplied reports whether a remote operation was already applied.
func (db *DB) IsApplied(ctx context.Context, opID string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM applied_ops WHERE op_id = ?`, opID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up applied op %s: %w", opID, err)
	}
	return n > 0, nil
}

// PruneApplied forgets applied operation IDs older than before.
func (db *DB) PruneApplied(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM applied_ops WHERE applied_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune applied ops: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
