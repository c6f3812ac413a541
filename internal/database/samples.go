package database

import (
	"context"
	"fmt"

	"routerguard/internal/models"
)

// RecordSample stores the counters of one poll
func (db *DB) RecordSample(ctx context.Context, sample models.TrafficSample) error {
	db.Lock()
	defer db.Unlock()

	return db.ExecuteWithRetry(writeRetries, writeRetryDelay, func() error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO samples (device_id, total_connections, new_connections, syn_packets, udp_packets, icmp_packets, source_count, sampled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sample.DeviceID, sample.TotalConnections, int64(sample.NewConnections), int64(sample.SYNPackets),
			int64(sample.UDPPackets), int64(sample.ICMPPackets), len(sample.Sources), nanos(sample.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}
		return nil
	})
}

// ListSamples returns the most recent samples of a device, newest first
func (db *DB) ListSamples(ctx context.Context, deviceID string, limit int) ([]models.TrafficSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT device_id, total_connections, new_connections, syn_packets, udp_packets, icmp_packets, sampled_at
		FROM samples WHERE device_id = ? ORDER BY sampled_at DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []models.TrafficSample
	for rows.Next() {
		var s models.TrafficSample
		var newConns, syn, udp, icmp, sampledAt int64
		if err := rows.Scan(&s.DeviceID, &s.TotalConnections, &newConns, &syn, &udp, &icmp, &sampledAt); err != nil {
			return nil, fmt.Errorf("failed to scan sample row: %w", err)
		}
		s.NewConnections = uint64(newConns)
		s.SYNPackets = uint64(syn)
		s.UDPPackets = uint64(udp)
		s.ICMPPackets = uint64(icmp)
		s.Timestamp = fromNanos(sampledAt)
		samples = append(samples, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sample rows: %w", err)
	}
	return samples, nil
}
