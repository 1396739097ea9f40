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

// Record is the local reconciled state of one record.
type Record struct {
	FamilyID   string          `json:"family_id"`
	Collection string          `json:"collection"`
	RecordID   string          `json:"record_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	Deleted    bool            `json:"deleted"`

	// BaseOpID is the last operation on this record delivered by the
	// backing store's change feed, own echoes included. BaseData and
	// BaseDeleted are the record as of that operation; Data is BaseData with
	// the local operations not yet echoed applied on top.
	BaseOpID    string          `json:"base_op_id,omitempty"`
	BaseData    json.RawMessage `json:"base_data,omitempty"`
	BaseDeleted bool            `json:"base_deleted"`

	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetRecord loads a record. Returns nil, nil when it was never seen.
func (db *DB) GetRecord(ctx context.Context, familyID string, key schema.RecordKey) (*Record, error) {
	var (
		r           Record
		data        sql.NullString
		deleted     int
		baseOp      sql.NullString
		baseData    sql.NullString
		baseDeleted int
		updBy       sql.NullString
		updAt       int64
	)

	err := db.conn.QueryRowContext(ctx, `
		SELECT family_id, collection, record_id, data, deleted, base_op_id, base_data, base_deleted, updated_by, updated_at
		FROM records WHERE family_id = ? AND collection = ? AND record_id = ?`,
		familyID, key.Collection, key.RecordID,
	).Scan(&r.FamilyID, &r.Collection, &r.RecordID, &data, &deleted, &baseOp, &baseData, &baseDeleted, &updBy, &updAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", key, err)
	}

	if data.Valid {
		r.Data = json.RawMessage(data.String)
	}
	r.Deleted = deleted == 1
	r.BaseOpID = baseOp.String
	if baseData.Valid {
		r.BaseData = json.RawMessage(baseData.String)
	}
	r.BaseDeleted = baseDeleted == 1
	r.UpdatedBy = updBy.String
	r.UpdatedAt = fromNanos(updAt)
	return &r, nil
}

// PutRecord inserts or replaces a record.
func (db *DB) PutRecord(ctx context.Context, r *Record) error {
	query := `
	INSERT INTO records (family_id, collection, record_id, data, deleted, base_op_id, base_data, base_deleted, updated_by, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(family_id, collection, record_id) DO UPDATE SET
		data = excluded.data,
		deleted = excluded.deleted,
		base_op_id = excluded.base_op_id,
		base_data = excluded.base_data,
		base_deleted = excluded.base_deleted,
		updated_by = excluded.updated_by,
		updated_at = excluded.updated_at
	`

	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx, query,
		r.FamilyID,
		r.Collection,
		r.RecordID,
		nullString(string(r.Data)),
		boolToInt(r.Deleted),
		nullString(r.BaseOpID),
		nullString(string(r.BaseData)),
		boolToInt(r.BaseDeleted),
		nullString(r.UpdatedBy),
		toNanos(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put record %s/%s: %w", r.Collection, r.RecordID, err)
	}
	return nil
}

// SetRecordBase records that opID is now the record's base operation,
// creating the row when the record was never stored locally.
func (db *DB) SetRecordBase(ctx context.Context, familyID string, key schema.RecordKey, opID string) error {
	query := `
	INSERT INTO records (family_id, collection, record_id, base_op_id, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(family_id, collection, record_id) DO UPDATE SET
		base_op_id = excluded.base_op_id
	`
	if _, err := db.conn.ExecContext(ctx, query, familyID, key.Collection, key.RecordID, opID, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to set base of %s: %w", key, err)
	}
	return nil
}

// ListRecords returns the live (non-deleted) records of a collection.
func (db *DB) ListRecords(ctx context.Context, familyID, collection string) ([]*Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT record_id FROM records
		WHERE family_id = ? AND collection = ? AND deleted = 0 AND data IS NOT NULL
		ORDER BY record_id ASC`, familyID, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		r, err := db.GetRecord(ctx, familyID, schema.RecordKey{Collection: collection, RecordID: id})
		if err != nil {
			return nil, err
		}
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}
