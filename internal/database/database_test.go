package database

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"routerguard/internal/models"
)

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*DB, string, func()) {
	tempDir, err := os.MkdirTemp("", "routerguard-db-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")

	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, tempDir, cleanup
}

func activeEntry(id, deviceID, addr string, expires time.Time) models.BlockEntry {
	now := time.Now()
	return models.BlockEntry{
		ID:        id,
		DeviceID:  deviceID,
		Address:   netip.MustParseAddr(addr),
		Reason:    "test",
		Severity:  models.SeverityHigh,
		Origin:    models.OriginAuto,
		CreatedAt: now,
		ExpiresAt: &expires,
		Status:    models.BlockActive,
		UpdatedAt: now,
	}
}

// TestNew tests database creation and initialization
func TestNew(t *testing.T) {
	db, tempDir, cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := os.Stat(filepath.Join(tempDir, "test.db")); os.IsNotExist(err) {
		t.Errorf("Database file was not created")
	}

	var tableCount int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('events','blocks','device_status','samples')").Scan(&tableCount)
	if err != nil {
		t.Fatalf("Failed to count tables: %v", err)
	}
	if tableCount != 4 {
		t.Errorf("Expected 4 tables, got %d", tableCount)
	}
}

// TestUpsertBlockSingleActive tests there is at most one active entry per device and address
func TestUpsertBlockSingleActive(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	first := activeEntry("b1", "edge-1", "203.0.113.10", time.Now().Add(time.Hour))
	if err := db.UpsertBlock(ctx, first); err != nil {
		t.Fatalf("Failed to insert block: %v", err)
	}

	later := time.Now().Add(4 * time.Hour).Truncate(time.Second)
	second := activeEntry("b2", "edge-1", "203.0.113.10", later)
	second.Severity = models.SeverityCritical
	if err := db.UpsertBlock(ctx, second); err != nil {
		t.Fatalf("Failed to upsert duplicate active block: %v", err)
	}

	active, err := db.ListActiveBlocks(ctx, "edge-1")
	if err != nil {
		t.Fatalf("Failed to list active blocks: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("Expected 1 active block, got %d", len(active))
	}
	if active[0].ID != "b1" {
		t.Errorf("Expected the original entry to be kept, got %s", active[0].ID)
	}
	if active[0].ExpiresAt == nil || !active[0].ExpiresAt.Equal(later) {
		t.Errorf("Expected expiry to be extended to %v, got %v", later, active[0].ExpiresAt)
	}
	if active[0].Severity != models.SeverityCritical {
		t.Errorf("Expected severity critical, got %s", active[0].Severity)
	}

	// The same address on another device is independent
	other := activeEntry("b3", "edge-2", "203.0.113.10", later)
	if err := db.UpsertBlock(ctx, other); err != nil {
		t.Fatalf("Failed to insert block on second device: %v", err)
	}
	if active, _ := db.ListActiveBlocks(ctx, "edge-2"); len(active) != 1 {
		t.Errorf("Expected 1 active block on edge-2, got %d", len(active))
	}
}

// TestBlockLifecycle tests expired and removed entries leave the active set
func TestBlockLifecycle(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	entry := activeEntry("b1", "edge-1", "198.51.100.1", time.Now().Add(time.Minute))
	if err := db.UpsertBlock(ctx, entry); err != nil {
		t.Fatalf("Failed to insert block: %v", err)
	}

	entry.Status = models.BlockExpired
	entry.UpdatedAt = time.Now()
	if err := db.UpsertBlock(ctx, entry); err != nil {
		t.Fatalf("Failed to expire block: %v", err)
	}

	if active, _ := db.ListActiveBlocks(ctx, "edge-1"); len(active) != 0 {
		t.Errorf("Expected no active blocks, got %d", len(active))
	}

	// A new block for the same address is allowed once the old one is inactive
	again := activeEntry("b2", "edge-1", "198.51.100.1", time.Now().Add(time.Hour))
	if err := db.UpsertBlock(ctx, again); err != nil {
		t.Fatalf("Failed to re-block address: %v", err)
	}

	all, err := db.ListBlocks(ctx, "edge-1", "", 0)
	if err != nil {
		t.Fatalf("Failed to list blocks: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 block rows, got %d", len(all))
	}

	manual := activeEntry("b3", "edge-1", "2001:db8::1", time.Time{})
	manual.ExpiresAt = nil
	manual.Origin = models.OriginManual
	if err := db.UpsertBlock(ctx, manual); err != nil {
		t.Fatalf("Failed to insert manual block: %v", err)
	}
	blocks, _ := db.ListBlocks(ctx, "edge-1", models.BlockActive, 0)
	var found bool
	for _, b := range blocks {
		if b.ID == "b3" {
			found = true
			if b.ExpiresAt != nil {
				t.Errorf("Expected indefinite block, got expiry %v", b.ExpiresAt)
			}
			if b.Address != netip.MustParseAddr("2001:db8::1") {
				t.Errorf("Unexpected address %s", b.Address)
			}
		}
	}
	if !found {
		t.Errorf("Manual block not listed")
	}

	if err := db.UpsertBlock(ctx, models.BlockEntry{ID: "x"}); err == nil {
		t.Errorf("Expected error for incomplete entry")
	}
}

// TestEvents tests recording and listing detection events
func TestEvents(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		result := models.DetectionResult{
			Type:      models.AttackSYNFlood,
			Severity:  models.SeverityMedium,
			Source:    netip.MustParseAddr(fmt.Sprintf("203.0.113.%d", i+1)),
			Metric:    "syn_packets_per_second",
			Value:     2500,
			Threshold: 1000,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.RecordEvent(ctx, "edge-1", result); err != nil {
			t.Fatalf("Failed to record event: %v", err)
		}
	}
	unattributed := models.DetectionResult{Type: models.AttackUDPFlood, Severity: models.SeverityLow, Timestamp: time.Now()}
	if err := db.RecordEvent(ctx, "edge-2", unattributed); err != nil {
		t.Fatalf("Failed to record unattributed event: %v", err)
	}

	events, err := db.ListEvents(ctx, EventFilter{DeviceID: "edge-1", Limit: 3})
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Result.Source != netip.MustParseAddr("203.0.113.5") {
		t.Errorf("Expected newest event first, got %s", events[0].Result.Source)
	}
	if events[0].Result.Severity != models.SeverityMedium || events[0].Result.Type != models.AttackSYNFlood {
		t.Errorf("Unexpected event result %+v", events[0].Result)
	}

	events, err = db.ListEvents(ctx, EventFilter{DeviceID: "edge-2"})
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) != 1 || events[0].Result.Source.IsValid() {
		t.Errorf("Expected one unattributed event, got %+v", events)
	}
}

// TestDeviceStatus tests status snapshots are upserted per device
func TestDeviceStatus(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	status := models.DeviceStatus{
		DeviceID:     "edge-1",
		Name:         "Edge",
		State:        models.StatePolling,
		Connectivity: models.ConnectivityOnline,
		LastSuccess:  &now,
		UpdatedAt:    now,
	}
	if err := db.UpdateDeviceStatus(ctx, "edge-1", status); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}

	status.State = models.StateDegraded
	status.Connectivity = models.ConnectivityOffline
	status.ConsecutiveFailures = 4
	status.LastError = "connection refused"
	if err := db.UpdateDeviceStatus(ctx, "edge-1", status); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}

	got, err := db.GetDeviceStatus(ctx, "edge-1")
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if got.Connectivity != models.ConnectivityOffline || got.ConsecutiveFailures != 4 {
		t.Errorf("Unexpected status %+v", got)
	}
	if got.LastSuccess == nil || !got.LastSuccess.Equal(now) {
		t.Errorf("Expected last success %v, got %v", now, got.LastSuccess)
	}

	if _, err := db.GetDeviceStatus(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	statuses, err := db.ListDeviceStatuses(ctx)
	if err != nil || len(statuses) != 1 {
		t.Errorf("Expected 1 status, got %d (%v)", len(statuses), err)
	}

	if err := db.DeleteDeviceStatus(ctx, "edge-1"); err != nil {
		t.Fatalf("Failed to delete status: %v", err)
	}
	if statuses, _ := db.ListDeviceStatuses(ctx); len(statuses) != 0 {
		t.Errorf("Expected no statuses after delete, got %d", len(statuses))
	}
}

// TestConcurrentWrites tests many workers writing at once
func TestConcurrentWrites(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	const workers = 10
	const perWorker = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers*perWorker*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			deviceID := fmt.Sprintf("edge-%d", w)
			for i := 0; i < perWorker; i++ {
				sample := models.TrafficSample{DeviceID: deviceID, Timestamp: time.Now(), NewConnections: uint64(i)}
				if err := db.RecordSample(ctx, sample); err != nil {
					errCh <- err
				}
				result := models.DetectionResult{Type: models.AttackICMPFlood, Severity: models.SeverityLow, Timestamp: time.Now()}
				if err := db.RecordEvent(ctx, deviceID, result); err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("Concurrent write failed: %v", err)
	}

	stats, err := db.GetDatabaseStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats["sampleCount"].(int) != workers*perWorker {
		t.Errorf("Expected %d samples, got %v", workers*perWorker, stats["sampleCount"])
	}
	if stats["eventCount"].(int) != workers*perWorker {
		t.Errorf("Expected %d events, got %v", workers*perWorker, stats["eventCount"])
	}

	samples, err := db.ListSamples(ctx, "edge-3", 5)
	if err != nil || len(samples) != 5 {
		t.Errorf("Expected 5 samples for edge-3, got %d (%v)", len(samples), err)
	}
}

// TestCleanOldData tests retention keeps active blocks and recent rows
func TestCleanOldData(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40)
	if err := db.RecordEvent(ctx, "edge-1", models.DetectionResult{Type: models.AttackSYNFlood, Severity: models.SeverityLow, Timestamp: old}); err != nil {
		t.Fatalf("Failed to record event: %v", err)
	}
	if err := db.RecordEvent(ctx, "edge-1", models.DetectionResult{Type: models.AttackSYNFlood, Severity: models.SeverityLow, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Failed to record event: %v", err)
	}
	if err := db.RecordSample(ctx, models.TrafficSample{DeviceID: "edge-1", Timestamp: old}); err != nil {
		t.Fatalf("Failed to record sample: %v", err)
	}

	stale := activeEntry("old-expired", "edge-1", "203.0.113.1", old)
	stale.Status = models.BlockExpired
	stale.CreatedAt, stale.UpdatedAt = old, old
	staleActive := activeEntry("old-active", "edge-1", "203.0.113.2", old)
	staleActive.ExpiresAt = nil
	staleActive.CreatedAt, staleActive.UpdatedAt = old, old
	for _, e := range []models.BlockEntry{stale, staleActive} {
		if err := db.UpsertBlock(ctx, e); err != nil {
			t.Fatalf("Failed to insert block: %v", err)
		}
	}

	deleted, err := db.CleanOldData(30)
	if err != nil {
		t.Fatalf("CleanOldData failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("Expected 3 deleted rows, got %d", deleted)
	}

	active, _ := db.ListActiveBlocks(ctx, "edge-1")
	if len(active) != 1 || active[0].ID != "old-active" {
		t.Errorf("Expected the old active block to survive, got %+v", active)
	}
}

// TestBackupDatabase tests that a backup file is produced
func TestBackupDatabase(t *testing.T) {
	db, tempDir, cleanup := setupTestDB(t)
	defer cleanup()

	backupDir := filepath.Join(tempDir, "backups")
	path, err := db.BackupDatabase(backupDir)
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Backup file missing: %v", err)
	}
	if filepath.Dir(path) != backupDir {
		t.Errorf("Expected backup in %s, got %s", backupDir, path)
	}

	if err := db.OptimizeDatabase(); err != nil {
		t.Errorf("OptimizeDatabase failed: %v", err)
	}
}

// TestExecuteWithRetry tests that only busy errors are retried
func TestExecuteWithRetry(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	calls := 0
	err := db.ExecuteWithRetry(3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("Expected success on third attempt, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = db.ExecuteWithRetry(3, time.Millisecond, func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil || calls != 3 {
		t.Errorf("Expected failure after 3 attempts, got err=%v calls=%d", err, calls)
	}

	calls = 0
	constraint := errors.New("UNIQUE constraint failed")
	err = db.ExecuteWithRetry(3, time.Millisecond, func() error {
		calls++
		return constraint
	})
	if !errors.Is(err, constraint) || calls != 1 {
		t.Errorf("Expected immediate constraint error, got err=%v calls=%d", err, calls)
	}
}
