package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// UpsertDevice stores the latest known presence of a device.
// An older LastSeen never overwrites a newer one.
func (db *DB) UpsertDevice(ctx context.Context, d *schema.DeviceInfo) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid device: %w", err)
	}

	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := `
	INSERT INTO devices (device_id, family_id, platform, app_version, last_seen, capabilities, status)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		family_id = excluded.family_id,
		platform = excluded.platform,
		app_version = excluded.app_version,
		last_seen = excluded.last_seen,
		capabilities = excluded.capabilities,
		status = excluded.status
	WHERE excluded.last_seen >= devices.last_seen
	`

	_, err = db.conn.ExecContext(ctx, query,
		d.DeviceID,
		d.FamilyID,
		d.Platform,
		d.AppVersion,
		toNanos(d.LastSeen),
		string(caps),
		string(d.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.DeviceID, err)
	}
	return nil
}

// GetDevice loads one device. Returns nil, nil when unknown.
func (db *DB) GetDevice(ctx context.Context, deviceID string) (*schema.DeviceInfo, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT device_id, family_id, platform, app_version, last_seen, capabilities, status
		FROM devices WHERE device_id = ?`, deviceID)

	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ListDevices returns every known device of a family.
func (db *DB) ListDevices(ctx context.Context, familyID string) ([]*schema.DeviceInfo, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT device_id, family_id, platform, app_version, last_seen, capabilities, status
		FROM devices WHERE family_id = ? ORDER BY device_id ASC`, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*schema.DeviceInfo
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(s scanner) (*schema.DeviceInfo, error) {
	var (
		d        schema.DeviceInfo
		platform sql.NullString
		version  sql.NullString
		lastSeen int64
		caps     sql.NullString
		status   string
	)
	if err := s.Scan(&d.DeviceID, &d.FamilyID, &platform, &version, &lastSeen, &caps, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}

	d.Platform = platform.String
	d.AppVersion = version.String
	d.LastSeen = fromNanos(lastSeen)
	d.Status = schema.DeviceStatus(status)
	if caps.Valid && caps.String != "" && caps.String != "null" {
		if err := json.Unmarshal([]byte(caps.String), &d.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to parse capabilities of %s: %w", d.DeviceID, err)
		}
	}
	return &d, nil
}
