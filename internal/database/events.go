package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"routerguard/internal/models"
)

// EventFilter narrows ListEvents
type EventFilter struct {
	DeviceID string
	Since    time.Time
	Limit    int
}

// RecordEvent stores a detection result for a device
func (db *DB) RecordEvent(ctx context.Context, deviceID string, result models.DetectionResult) error {
	db.Lock()
	defer db.Unlock()

	var source sql.NullString
	if result.Source.IsValid() {
		source = sql.NullString{String: result.Source.String(), Valid: true}
	}

	return db.ExecuteWithRetry(writeRetries, writeRetryDelay, func() error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO events (id, device_id, attack_type, severity, source, metric, value, threshold, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), deviceID, string(result.Type), result.Severity.String(), source,
			result.Metric, result.Value, result.Threshold, nanos(result.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
}

// ListEvents returns events newest first
func (db *DB) ListEvents(ctx context.Context, filter EventFilter) ([]models.Event, error) {
	query := `SELECT id, device_id, attack_type, severity, source, metric, value, threshold, detected_at FROM events`
	var args []interface{}
	var conditions []string

	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "detected_at >= ?")
		args = append(args, nanos(filter.Since))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY detected_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e          models.Event
			attackType string
			severity   string
			source     sql.NullString
			metric     sql.NullString
			detectedAt int64
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &attackType, &severity, &source, &metric,
			&e.Result.Value, &e.Result.Threshold, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Result.Type = models.AttackType(attackType)
		if e.Result.Severity, err = models.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		if source.Valid {
			if e.Result.Source, err = netip.ParseAddr(source.String); err != nil {
				return nil, fmt.Errorf("event %s: %w", e.ID, err)
			}
		}
		e.Result.Metric = metric.String
		e.Result.Timestamp = fromNanos(detectedAt)
		events = append(events, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}
