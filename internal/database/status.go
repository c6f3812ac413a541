package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"routerguard/internal/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

const statusColumns = `device_id, name, state, connectivity, consecutive_failures, last_success, last_poll, last_error, active_blocks, updated_at`

// UpdateDeviceStatus stores the latest status snapshot of a device
func (db *DB) UpdateDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	db.Lock()
	defer db.Unlock()

	return db.ExecuteWithRetry(writeRetries, writeRetryDelay, func() error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO device_status (`+statusColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				name = excluded.name,
				state = excluded.state,
				connectivity = excluded.connectivity,
				consecutive_failures = excluded.consecutive_failures,
				last_success = excluded.last_success,
				last_poll = excluded.last_poll,
				last_error = excluded.last_error,
				active_blocks = excluded.active_blocks,
				updated_at = excluded.updated_at`,
			deviceID, status.Name, string(status.State), string(status.Connectivity), status.ConsecutiveFailures,
			nullNanos(status.LastSuccess), nullNanos(status.LastPoll), status.LastError, status.ActiveBlocks,
			nanos(status.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to update device status: %w", err)
		}
		return nil
	})
}

// GetDeviceStatus returns the stored status of a device
func (db *DB) GetDeviceStatus(ctx context.Context, deviceID string) (models.DeviceStatus, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+statusColumns+` FROM device_status WHERE device_id = ?`, deviceID)
	if err != nil {
		return models.DeviceStatus{}, fmt.Errorf("failed to query device status: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return models.DeviceStatus{}, err
		}
		return models.DeviceStatus{}, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return scanStatus(rows)
}

// ListDeviceStatuses returns the stored status of every device
func (db *DB) ListDeviceStatuses(ctx context.Context) ([]models.DeviceStatus, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+statusColumns+` FROM device_status ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query device statuses: %w", err)
	}
	defer rows.Close()

	var statuses []models.DeviceStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status rows: %w", err)
	}
	return statuses, nil
}

// DeleteDeviceStatus forgets a removed device
func (db *DB) DeleteDeviceStatus(ctx context.Context, deviceID string) error {
	db.Lock()
	defer db.Unlock()
	_, err := db.ExecContext(ctx, `DELETE FROM device_status WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device status: %w", err)
	}
	return nil
}

func scanStatus(rows *sql.Rows) (models.DeviceStatus, error) {
	var (
		s            models.DeviceStatus
		name         sql.NullString
		state        string
		connectivity string
		lastSuccess  sql.NullInt64
		lastPoll     sql.NullInt64
		lastError    sql.NullString
		updatedAt    int64
	)
	if err := rows.Scan(&s.DeviceID, &name, &state, &connectivity, &s.ConsecutiveFailures,
		&lastSuccess, &lastPoll, &lastError, &s.ActiveBlocks, &updatedAt); err != nil {
		return s, fmt.Errorf("failed to scan status row: %w", err)
	}
	s.Name = name.String
	s.State = models.WorkerState(state)
	s.Connectivity = models.Connectivity(connectivity)
	s.LastSuccess = fromNullNanos(lastSuccess)
	s.LastPoll = fromNullNanos(lastPoll)
	s.LastError = lastError.String
	s.UpdatedAt = fromNanos(updatedAt)
	return s, nil
}
