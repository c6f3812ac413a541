package mitigation

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"routerguard/internal/device"
	"routerguard/internal/device/devicetest"
	"routerguard/internal/models"
)

// memStore is an in-memory Store keyed by entry ID
type memStore struct {
	mu      sync.Mutex
	entries map[string]models.BlockEntry
	upserts int
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]models.BlockEntry)}
}

func (m *memStore) UpsertBlock(ctx context.Context, entry models.BlockEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = entry
	m.upserts++
	return nil
}

func (m *memStore) ListActiveBlocks(ctx context.Context, deviceID string) ([]models.BlockEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BlockEntry
	for _, e := range m.entries {
		if e.DeviceID == deviceID && e.Status == models.BlockActive {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) all() []models.BlockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BlockEntry
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

func testConfig() models.DeviceConfig {
	return models.DeviceConfig{
		ID:          "edge-1",
		CallTimeout: time.Second,
		Thresholds:  models.Thresholds{NewConnRate: 100},
		Multipliers: models.DefaultMultipliers(),
		BlockDurations: models.BlockDurations{
			Low:      10 * time.Minute,
			Medium:   30 * time.Minute,
			High:     time.Hour,
			Critical: 4 * time.Hour,
		},
		DefaultBlockDuration: time.Hour,
		MinBlockSeverity:     models.SeverityLow,
		AutoMitigate:         true,
		AddressList:          "ddos_blocklist",
	}
}

func detection(addr string, sev models.Severity, at time.Time) models.DetectionResult {
	return models.DetectionResult{
		Type:      models.AttackConnectionFlood,
		Severity:  sev,
		Source:    netip.MustParseAddr(addr),
		Metric:    "new_connections_per_second",
		Value:     1200,
		Threshold: 100,
		Timestamp: at,
	}
}

func openSession(t *testing.T, client *devicetest.Client, cfg models.DeviceConfig) device.Session {
	t.Helper()
	sess, err := client.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to connect fake device: %v", err)
	}
	return sess
}

// TestEvaluateWhitelist tests that whitelisted sources are never blocked at any severity
func TestEvaluateWhitelist(t *testing.T) {
	cfg := testConfig()
	prefix, _ := models.ParsePrefix("198.51.100.0/24")
	cfg.Whitelist = []netip.Prefix{prefix}
	now := time.Now()

	for _, sev := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical} {
		action := Evaluate(detection("198.51.100.20", sev, now), cfg, nil, now)
		if action.Kind != ActionNone {
			t.Errorf("Expected none for whitelisted source at %s, got %s", sev, action.Kind)
		}
	}

	action := Evaluate(detection("203.0.113.20", models.SeverityLow, now), cfg, nil, now)
	if action.Kind != ActionBlock {
		t.Errorf("Expected block for non-whitelisted source, got %s", action.Kind)
	}
}

// TestEvaluateRules tests the non-whitelist rules that yield no action
func TestEvaluateRules(t *testing.T) {
	now := time.Now()

	cfg := testConfig()
	cfg.AutoMitigate = false
	if a := Evaluate(detection("203.0.113.1", models.SeverityCritical, now), cfg, nil, now); a.Kind != ActionNone {
		t.Errorf("Expected none with auto-mitigate disabled, got %s", a.Kind)
	}

	cfg = testConfig()
	cfg.MinBlockSeverity = models.SeverityHigh
	if a := Evaluate(detection("203.0.113.1", models.SeverityMedium, now), cfg, nil, now); a.Kind != ActionNone {
		t.Errorf("Expected none below minimum severity, got %s", a.Kind)
	}

	unattributed := detection("203.0.113.1", models.SeverityCritical, now)
	unattributed.Source = netip.Addr{}
	if a := Evaluate(unattributed, testConfig(), nil, now); a.Kind != ActionNone {
		t.Errorf("Expected none for unattributed detection, got %s", a.Kind)
	}

	if a := Evaluate(models.NoDetection(now), testConfig(), nil, now); a.Kind != ActionNone {
		t.Errorf("Expected none for no detection, got %s", a.Kind)
	}
}

// TestEvaluateDurations tests that block duration scales with severity
func TestEvaluateDurations(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	want := map[models.Severity]time.Duration{
		models.SeverityLow:      10 * time.Minute,
		models.SeverityMedium:   30 * time.Minute,
		models.SeverityHigh:     time.Hour,
		models.SeverityCritical: 4 * time.Hour,
	}
	for sev, d := range want {
		a := Evaluate(detection("203.0.113.1", sev, now), cfg, nil, now)
		if a.Kind != ActionBlock || a.Duration != d {
			t.Errorf("Severity %s: expected block for %v, got %s for %v", sev, d, a.Kind, a.Duration)
		}
	}
}

// TestEvaluateExtendOnly tests that active blocks are never shortened or needlessly refreshed
func TestEvaluateExtendOnly(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	addr := netip.MustParseAddr("203.0.113.9")

	longExpiry := now.Add(4 * time.Hour)
	active := []models.BlockEntry{{ID: "b1", DeviceID: "edge-1", Address: addr, Status: models.BlockActive, ExpiresAt: &longExpiry}}

	a := Evaluate(detection(addr.String(), models.SeverityLow, now), cfg, active, now)
	if a.Kind != ActionAlreadyBlocked {
		t.Errorf("Expected already-blocked when the current block outlasts the proposal, got %s", a.Kind)
	}

	shortExpiry := now.Add(time.Minute)
	active[0].ExpiresAt = &shortExpiry
	a = Evaluate(detection(addr.String(), models.SeverityCritical, now), cfg, active, now)
	if a.Kind != ActionBlock || a.Existing == nil || a.Existing.ID != "b1" {
		t.Errorf("Expected block extending b1, got %s (existing %v)", a.Kind, a.Existing)
	}

	active[0].ExpiresAt = nil
	a = Evaluate(detection(addr.String(), models.SeverityCritical, now), cfg, active, now)
	if a.Kind != ActionAlreadyBlocked {
		t.Errorf("Expected already-blocked for an indefinite block, got %s", a.Kind)
	}
}

// TestBlockIdempotent tests that evaluating twice against the resulting entry yields already-blocked
func TestBlockIdempotent(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	client := devicetest.NewClient()
	sess := openSession(t, client, cfg)
	ctrl := NewController(cfg.ID, store)
	now := time.Now()
	ctrl.now = func() time.Time { return now }

	result := detection("203.0.113.77", models.SeverityCritical, now)
	action := Evaluate(result, cfg, nil, now)
	if action.Kind != ActionBlock || action.Duration != 4*time.Hour {
		t.Fatalf("Expected block for 4h, got %s for %v", action.Kind, action.Duration)
	}

	entry, err := ctrl.Execute(context.Background(), sess, cfg, action)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if entry.Status != models.BlockActive || entry.ExpiresAt == nil || !entry.ExpiresAt.Equal(now.Add(4*time.Hour)) {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if !client.Device(cfg.ID).HasBlock(result.Source) {
		t.Errorf("Expected device to hold the block")
	}

	active, _ := store.ListActiveBlocks(context.Background(), cfg.ID)
	if len(active) != 1 {
		t.Fatalf("Expected one active entry, got %d", len(active))
	}

	again := Evaluate(result, cfg, active, now)
	if again.Kind != ActionAlreadyBlocked {
		t.Errorf("Expected already-blocked on repeat, got %s", again.Kind)
	}
	if entry, err := ctrl.Execute(context.Background(), sess, cfg, again); err != nil || entry.ID != "" {
		t.Errorf("Expected no-op execute for already-blocked, got %+v %v", entry, err)
	}
	if n := client.Device(cfg.ID).Adds(); n != 1 {
		t.Errorf("Expected 1 device add, got %d", n)
	}
}

// TestExecuteFailureNotPersisted tests a failed device call leaves no confirmed entry
func TestExecuteFailureNotPersisted(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	client := devicetest.NewClient()
	sess := openSession(t, client, cfg)
	client.Device(cfg.ID).SetAddError(&device.ProtocolError{Device: cfg.ID, Op: "add", Err: errors.New("trap")})
	ctrl := NewController(cfg.ID, store)
	now := time.Now()

	action := Evaluate(detection("203.0.113.5", models.SeverityHigh, now), cfg, nil, now)
	if _, err := ctrl.Execute(context.Background(), sess, cfg, action); err == nil {
		t.Fatalf("Expected execute to fail")
	} else if !device.IsProtocolError(err) {
		t.Errorf("Expected the protocol error to be preserved, got %v", err)
	}
	if n := len(store.all()); n != 0 {
		t.Errorf("Expected nothing persisted, got %d entries", n)
	}

	// The next cycle retries and succeeds
	client.Device(cfg.ID).SetAddError(nil)
	if _, err := ctrl.Execute(context.Background(), sess, cfg, action); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if n := len(store.all()); n != 1 {
		t.Errorf("Expected one entry after retry, got %d", n)
	}
}

// TestExecuteCompletesAfterCancel tests that a stop signal does not abort a started block
func TestExecuteCompletesAfterCancel(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	client := devicetest.NewClient()
	sess := openSession(t, client, cfg)
	ctrl := NewController(cfg.ID, store)
	now := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	action := Evaluate(detection("203.0.113.6", models.SeverityHigh, now), cfg, nil, now)
	if _, err := ctrl.Execute(ctx, sess, cfg, action); err != nil {
		t.Fatalf("Expected execute to complete on a cancelled context, got %v", err)
	}
	if len(store.all()) != 1 {
		t.Errorf("Expected the block to be persisted")
	}
}

// TestRateLimit tests new automatic blocks are deferred past the per-minute budget
func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	client := devicetest.NewClient()
	sess := openSession(t, client, cfg)
	ctrl := NewController(cfg.ID, store)
	ctrl.SetRateLimit(1)
	now := time.Now()

	first := Evaluate(detection("203.0.113.1", models.SeverityHigh, now), cfg, nil, now)
	if _, err := ctrl.Execute(context.Background(), sess, cfg, first); err != nil {
		t.Fatalf("First block failed: %v", err)
	}
	second := Evaluate(detection("203.0.113.2", models.SeverityHigh, now), cfg, nil, now)
	if _, err := ctrl.Execute(context.Background(), sess, cfg, second); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
	if client.Device(cfg.ID).HasBlock(second.Address) {
		t.Errorf("Deferred block should not reach the device")
	}
}

// TestSweepExpiry tests that removal is proposed only after expiry
func TestSweepExpiry(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	client := devicetest.NewClient()
	sess := openSession(t, client, cfg)
	ctrl := NewController(cfg.ID, store)

	now := time.Now()
	ctrl.now = func() time.Time { return now }
	addr := netip.MustParseAddr("203.0.113.40")
	if _, err := ctrl.Block(context.Background(), sess, cfg, addr, time.Minute, "test", nil); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	expiry := now.Add(time.Minute)

	ctrl.now = func() time.Time { return expiry }
	active, _ := store.ListActiveBlocks(context.Background(), cfg.ID)
	remaining, err := ctrl.Sweep(context.Background(), sess, cfg, active)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(remaining) != 1 || !client.Device(cfg.ID).HasBlock(addr) {
		t.Errorf("Block must not be removed exactly at expiry")
	}

	ctrl.now = func() time.Time { return expiry.Add(time.Second) }
	remaining, err = ctrl.Sweep(context.Background(), sess, cfg, active)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("Expected no remaining active entries, got %d", len(remaining))
	}
	if client.Device(cfg.ID).HasBlock(addr) {
		t.Errorf("Expected device block to be removed after expiry")
	}
	entries := store.all()
	if len(entries) != 1 || entries[0].Status != models.BlockExpired {
		t.Errorf("Expected entry marked expired, got %+v", entries)
	}
}

// TestSweepRetry tests that a failed removal is retried on the next sweep
func TestSweepRetry(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	client := devicetest.NewClient()
	dev := client.Device(cfg.ID)
	sess := openSession(t, client, cfg)
	ctrl := NewController(cfg.ID, store)

	now := time.Now()
	ctrl.now = func() time.Time { return now }
	addr := netip.MustParseAddr("203.0.113.41")
	if _, err := ctrl.Block(context.Background(), sess, cfg, addr, time.Second, "", nil); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	ctrl.now = func() time.Time { return now.Add(time.Minute) }
	dev.SetRemoveError(&device.ConnectionError{Device: cfg.ID, Op: "remove", Err: errors.New("timeout")})
	active, _ := store.ListActiveBlocks(context.Background(), cfg.ID)
	if _, err := ctrl.Sweep(context.Background(), sess, cfg, active); err == nil {
		t.Fatalf("Expected sweep to report the failed removal")
	}
	if ctrl.Pending() != 1 {
		t.Fatalf("Expected one pending removal, got %d", ctrl.Pending())
	}

	dev.SetRemoveError(nil)
	active, _ = store.ListActiveBlocks(context.Background(), cfg.ID)
	if len(active) != 0 {
		t.Errorf("Expected the entry to stay marked expired, got %d active", len(active))
	}
	if _, err := ctrl.Sweep(context.Background(), sess, cfg, active); err != nil {
		t.Fatalf("Retry sweep failed: %v", err)
	}
	if ctrl.Pending() != 0 || dev.HasBlock(addr) {
		t.Errorf("Expected the retried removal to succeed")
	}
}

// TestManualBlockAndUnblock tests manual requests and the whitelist guard
func TestManualBlockAndUnblock(t *testing.T) {
	cfg := testConfig()
	prefix, _ := models.ParsePrefix("10.0.0.0/8")
	cfg.Whitelist = []netip.Prefix{prefix}
	store := newMemStore()
	client := devicetest.NewClient()
	sess := openSession(t, client, cfg)
	ctrl := NewController(cfg.ID, store)

	if _, err := ctrl.Block(context.Background(), sess, cfg, netip.MustParseAddr("10.1.1.1"), 0, "", nil); !errors.Is(err, ErrWhitelisted) {
		t.Errorf("Expected ErrWhitelisted, got %v", err)
	}

	addr := netip.MustParseAddr("203.0.113.50")
	entry, err := ctrl.Block(context.Background(), sess, cfg, addr, 0, "abuse report", nil)
	if err != nil {
		t.Fatalf("Manual block failed: %v", err)
	}
	if entry.ExpiresAt != nil || entry.Origin != models.OriginManual {
		t.Errorf("Expected indefinite manual entry, got %+v", entry)
	}

	active, _ := store.ListActiveBlocks(context.Background(), cfg.ID)
	if err := ctrl.Unblock(context.Background(), sess, cfg, addr, active); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	if client.Device(cfg.ID).HasBlock(addr) {
		t.Errorf("Expected device block removed")
	}
	if active, _ := store.ListActiveBlocks(context.Background(), cfg.ID); len(active) != 0 {
		t.Errorf("Expected no active entries after unblock, got %d", len(active))
	}

	// Unblocking an address that is not blocked is not an error
	if err := ctrl.Unblock(context.Background(), sess, cfg, netip.MustParseAddr("203.0.113.51"), nil); err != nil {
		t.Errorf("Expected idempotent unblock, got %v", err)
	}
}

// TestReconcile tests that blocks lost on the device are re-added and pending removals confirmed
func TestReconcile(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	client := devicetest.NewClient()
	dev := client.Device(cfg.ID)
	sess := openSession(t, client, cfg)
	ctrl := NewController(cfg.ID, store)

	kept := netip.MustParseAddr("203.0.113.60")
	if _, err := ctrl.Block(context.Background(), sess, cfg, kept, time.Hour, "", nil); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	// Simulate a device reboot that dropped the dynamic list
	if err := sess.RemoveBlock(context.Background(), kept); err != nil {
		t.Fatalf("RemoveBlock failed: %v", err)
	}

	gone := netip.MustParseAddr("203.0.113.61")
	dev.SetRemoveError(errors.New("busy"))
	_ = ctrl.Unblock(context.Background(), sess, cfg, gone, nil)
	dev.SetRemoveError(nil)
	if ctrl.Pending() != 1 {
		t.Fatalf("Expected a pending removal")
	}

	active, _ := store.ListActiveBlocks(context.Background(), cfg.ID)
	if err := ctrl.Reconcile(context.Background(), sess, cfg, active); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !dev.HasBlock(kept) {
		t.Errorf("Expected lost block to be re-added")
	}
	if d := dev.BlockDuration(kept); d <= 0 || d > time.Hour {
		t.Errorf("Expected remaining duration to be re-applied, got %v", d)
	}
	if ctrl.Pending() != 0 {
		t.Errorf("Expected pending removal confirmed by the device list")
	}
}
