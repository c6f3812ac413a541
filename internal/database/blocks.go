package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"strings"

	"routerguard/internal/models"
)

const blockColumns = `id, device_id, address, reason, severity, origin, status, created_at, expires_at, updated_at`

// UpsertBlock inserts or updates a block entry. Writing an active entry for an
// address that already has an active entry on the device updates that entry,
// so there is never more than one active entry per (device, address).
func (db *DB) UpsertBlock(ctx context.Context, entry models.BlockEntry) error {
	if entry.ID == "" || entry.DeviceID == "" || !entry.Address.IsValid() {
		return fmt.Errorf("incomplete block entry for %q", entry.Address)
	}

	db.Lock()
	defer db.Unlock()

	return db.ExecuteWithRetry(writeRetries, writeRetryDelay, func() error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO blocks (`+blockColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				reason = excluded.reason,
				severity = excluded.severity,
				status = excluded.status,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at
			ON CONFLICT(device_id, address) WHERE status = 'active' DO UPDATE SET
				reason = excluded.reason,
				severity = excluded.severity,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at`,
			entry.ID, entry.DeviceID, entry.Address.String(), entry.Reason, entry.Severity.String(),
			string(entry.Origin), string(entry.Status), nanos(entry.CreatedAt), nullNanos(entry.ExpiresAt),
			nanos(entry.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert block: %w", err)
		}
		return nil
	})
}

// ListActiveBlocks returns the active block entries of a device
func (db *DB) ListActiveBlocks(ctx context.Context, deviceID string) ([]models.BlockEntry, error) {
	return db.ListBlocks(ctx, deviceID, models.BlockActive, 0)
}

// ListBlocks returns block entries filtered by device and status, newest first.
// Empty filters match everything; a limit of zero returns all rows.
func (db *DB) ListBlocks(ctx context.Context, deviceID string, status models.BlockStatus, limit int) ([]models.BlockEntry, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks`
	var args []interface{}
	var conditions []string

	if deviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, deviceID)
	}
	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []models.BlockEntry
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating block rows: %w", err)
	}

	return blocks, nil
}

func scanBlock(rows *sql.Rows) (models.BlockEntry, error) {
	var (
		b         models.BlockEntry
		address   string
		reason    sql.NullString
		severity  string
		origin    string
		status    string
		createdAt int64
		expiresAt sql.NullInt64
		updatedAt int64
	)
	if err := rows.Scan(&b.ID, &b.DeviceID, &address, &reason, &severity, &origin, &status,
		&createdAt, &expiresAt, &updatedAt); err != nil {
		return b, fmt.Errorf("failed to scan block row: %w", err)
	}

	var err error
	if b.Address, err = netip.ParseAddr(address); err != nil {
		return b, fmt.Errorf("block %s: %w", b.ID, err)
	}
	if b.Severity, err = models.ParseSeverity(severity); err != nil {
		return b, fmt.Errorf("block %s: %w", b.ID, err)
	}
	b.Reason = reason.String
	b.Origin = models.BlockOrigin(origin)
	b.Status = models.BlockStatus(status)
	b.CreatedAt = fromNanos(createdAt)
	b.ExpiresAt = fromNullNanos(expiresAt)
	b.UpdatedAt = fromNanos(updatedAt)
	return b, nil
}
