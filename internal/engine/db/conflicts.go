package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// UpsertConflict inserts or replaces a conflict. The full conflict is kept
// as JSON; the indexed columns mirror the fields used for lookups.
func (db *DB) UpsertConflict(ctx context.Context, c *schema.Conflict) error {
	if c.ID == "" {
		return fmt.Errorf("conflict id is required")
	}

	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict %s: %w", c.ID, err)
	}

	query := `
	INSERT INTO conflicts (id, family_id, collection, record_id, status, body, detected_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		body = excluded.body,
		updated_at = excluded.updated_at
	`

	_, err = db.conn.ExecContext(ctx, query,
		c.ID,
		c.FamilyID,
		c.Collection,
		c.RecordID,
		string(c.Status),
		string(body),
		toNanos(c.DetectedAt),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conflict %s: %w", c.ID, err)
	}
	return nil
}

// GetConflict loads one conflict, or returns schema.ErrConflictNotFound.
func (db *DB) GetConflict(ctx context.Context, id string) (*schema.Conflict, error) {
	var body string
	err := db.conn.QueryRowContext(ctx, `SELECT body FROM conflicts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, schema.ErrConflictNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return decodeConflict(body)
}

// ListConflicts returns the conflicts of a family, oldest first.
// With no statuses given every conflict is returned.
func (db *DB) ListConflicts(ctx context.Context, familyID string, statuses ...schema.ConflictStatus) ([]*schema.Conflict, error) {
	query := `SELECT body FROM conflicts WHERE family_id = ?`
	args := []interface{}{familyID}

	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY detected_at ASC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*schema.Conflict
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c, err := decodeConflict(body)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return conflicts, nil
}

func decodeConflict(body string) (*schema.Conflict, error) {
	var c schema.Conflict
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("failed to parse conflict: %w", err)
	}
	return &c, nil
}
