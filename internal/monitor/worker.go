// Package monitor runs the per-device poll loop.
//
// A Worker owns one device: its session, its previous sample, its mitigation
// controller and its status. It moves through Connecting, Polling and Degraded
// until its context is cancelled, and never exits because the device failed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"routerguard/internal/device"
	"routerguard/internal/metrics"
	"routerguard/internal/mitigation"
	"routerguard/internal/models"
	"routerguard/internal/policy"
)

// ErrDeviceUnavailable is returned for manual requests while the worker has no session
var ErrDeviceUnavailable = errors.New("device unavailable")

// statusWriteTimeout bounds status writes made while stopping
const statusWriteTimeout = 5 * time.Second

// Store is the persistence a worker writes through
type Store interface {
	mitigation.Store
	RecordEvent(ctx context.Context, deviceID string, result models.DetectionResult) error
	UpdateDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error
	RecordSample(ctx context.Context, sample models.TrafficSample) error
}

type requestKind int

const (
	requestBlock requestKind = iota
	requestUnblock
)

type request struct {
	kind     requestKind
	addr     netip.Addr
	duration time.Duration
	reason   string
	reply    chan response
}

type response struct {
	entry models.BlockEntry
	err   error
}

// Worker monitors and mitigates a single device
type Worker struct {
	id       string
	client   device.Client
	store    Store
	cfg      atomic.Pointer[models.DeviceConfig]
	status   atomic.Pointer[models.DeviceStatus]
	requests chan request
	logger   zerolog.Logger

	// Set once the fleet has given up waiting for this worker to stop
	abandoned atomic.Bool

	// Owned by the Serve goroutine
	ctrl        *mitigation.Controller
	suppressor  *policy.Suppressor
	bo          *backoff.ExponentialBackOff
	session     device.Session
	sessionCfg  models.DeviceConfig
	previous    *models.TrafficSample
	failures    int
	lastSuccess *time.Time
	lastPoll    *time.Time
	active      int
}

// NewWorker creates a worker for a validated device configuration
func NewWorker(cfg models.DeviceConfig, client device.Client, store Store) *Worker {
	w := &Worker{
		id:         cfg.ID,
		client:     client,
		store:      store,
		requests:   make(chan request),
		logger:     log.With().Str("component", "worker").Str("device", cfg.ID).Logger(),
		ctrl:       mitigation.NewController(cfg.ID, store),
		suppressor: policy.NewSuppressor(),
	}
	w.cfg.Store(&cfg)
	w.status.Store(&models.DeviceStatus{
		DeviceID:     cfg.ID,
		Name:         cfg.Name,
		State:        models.StateConnecting,
		Connectivity: models.ConnectivityDegraded,
		UpdatedAt:    time.Now(),
	})
	return w
}

// ID returns the device ID
func (w *Worker) ID() string {
	return w.id
}

// String names the worker for the supervisor
func (w *Worker) String() string {
	return "device-worker:" + w.id
}

// Abandon stops the worker from persisting or exporting its status. The fleet
// calls it when the worker outlives its stop timeout and its device has been
// cleaned up without it.
func (w *Worker) Abandon() {
	w.abandoned.Store(true)
}

// Config returns the current configuration snapshot
func (w *Worker) Config() models.DeviceConfig {
	return *w.cfg.Load()
}

// Reconfigure swaps the configuration. The new value is picked up at the start
// of the next cycle; a changed endpoint forces a reconnect.
func (w *Worker) Reconfigure(cfg models.DeviceConfig) {
	w.cfg.Store(&cfg)
	w.logger.Info().Msg("Configuration updated")
}

// Status returns the latest status snapshot
func (w *Worker) Status() models.DeviceStatus {
	return *w.status.Load()
}

// Block asks the worker to block addr between poll cycles
func (w *Worker) Block(ctx context.Context, addr netip.Addr, duration time.Duration, reason string) (models.BlockEntry, error) {
	return w.submit(ctx, request{kind: requestBlock, addr: addr, duration: duration, reason: reason})
}

// Unblock asks the worker to remove addr between poll cycles
func (w *Worker) Unblock(ctx context.Context, addr netip.Addr) error {
	_, err := w.submit(ctx, request{kind: requestUnblock, addr: addr})
	return err
}

func (w *Worker) submit(ctx context.Context, req request) (models.BlockEntry, error) {
	req.reply = make(chan response, 1)
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return models.BlockEntry{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.entry, resp.err
	case <-ctx.Done():
		return models.BlockEntry{}, ctx.Err()
	}
}

// Serve runs the state machine until ctx is cancelled. It implements suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	w.logger.Info().Msg("Worker started")
	defer w.shutdown()

	// A restart after a panic begins from a clean session and detection state
	w.closeSession()
	w.resetDetection()
	w.sessionCfg = models.DeviceConfig{}

	state := models.StateConnecting
	for ctx.Err() == nil {
		switch state {
		case models.StateConnecting:
			state = w.connect(ctx)
		case models.StatePolling:
			state = w.poll(ctx)
		case models.StateDegraded:
			state = w.degraded(ctx)
		default:
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (w *Worker) connect(ctx context.Context) models.WorkerState {
	cfg := w.Config()
	w.setState(models.StateConnecting)

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	sess, err := w.client.Connect(callCtx, cfg)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return models.StateStopped
		}
		w.fail(err)
		return models.StateDegraded
	}

	// Counters and cool-downs carry over a reconnect to the same device
	if !cfg.SameEndpoint(w.sessionCfg) {
		w.resetDetection()
	}
	w.session = sess
	w.sessionCfg = cfg
	w.logger.Info().Str("host", cfg.Host).Msg("Connected to device")
	return models.StatePolling
}

func (w *Worker) poll(ctx context.Context) models.WorkerState {
	cfg := w.Config()
	if !cfg.SameEndpoint(w.sessionCfg) {
		w.logger.Info().Msg("Device endpoint changed, reconnecting")
		w.closeSession()
		w.resetDetection()
		return models.StateConnecting
	}
	w.ctrl.SetRateLimit(cfg.MaxBlocksPerMinute)

	start := time.Now()
	err := w.cycle(ctx, cfg)
	metrics.RecordPoll(w.id, device.Kind(err), time.Since(start))

	if err != nil {
		if ctx.Err() != nil {
			return models.StateStopped
		}
		w.fail(err)
		w.closeSession()
		return models.StateDegraded
	}
	w.succeed()

	if !w.wait(ctx, cfg.PollInterval) {
		return models.StateStopped
	}
	return models.StatePolling
}

func (w *Worker) degraded(ctx context.Context) models.WorkerState {
	cfg := w.Config()
	delay := w.nextBackoff(cfg)
	w.logger.Debug().Dur("backoff", delay).Int("failures", w.failures).Msg("Waiting before reconnect")
	if !w.wait(ctx, delay) {
		return models.StateStopped
	}
	return models.StateConnecting
}

// cycle runs one fetch, classify, mitigate and persist pass
func (w *Worker) cycle(ctx context.Context, cfg models.DeviceConfig) error {
	fetchCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	sample, err := w.session.FetchCounters(fetchCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch counters: %w", err)
	}
	now := time.Now()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}
	sample.DeviceID = w.id
	w.lastPoll = &now

	results := policy.Detect(sample, w.previous, cfg)
	w.previous = &sample

	// Writes for this cycle complete even if a stop arrives meanwhile
	pctx := context.WithoutCancel(ctx)

	for _, r := range w.suppressor.Admit(results, now, cfg.Cooldown) {
		metrics.RecordDetection(w.id, r)
		w.logger.Warn().
			Str("type", string(r.Type)).
			Str("severity", r.Severity.String()).
			Str("source", sourceString(r.Source)).
			Float64("value", r.Value).
			Float64("threshold", r.Threshold).
			Msg("Attack detected")
		if err := w.store.RecordEvent(pctx, w.id, r); err != nil {
			w.logger.Error().Err(err).Msg("Failed to record event")
		}
	}

	active, err := w.store.ListActiveBlocks(ctx, w.id)
	if err != nil {
		return fmt.Errorf("list active blocks: %w", err)
	}

	var firstErr error
	active, err = w.ctrl.Sweep(ctx, w.session, cfg, active)
	if err != nil {
		if device.IsConnectionError(err) {
			return fmt.Errorf("sweep: %w", err)
		}
		firstErr = fmt.Errorf("sweep: %w", err)
	}

	for _, r := range policy.Resolve(results) {
		if ctx.Err() != nil {
			break
		}
		action := mitigation.Evaluate(r, cfg, active, now)
		switch action.Kind {
		case mitigation.ActionBlock:
			entry, err := w.ctrl.Execute(ctx, w.session, cfg, action)
			if errors.Is(err, mitigation.ErrRateLimited) {
				w.logger.Warn().Str("address", action.Address.String()).Msg("Block deferred by rate limit")
				continue
			}
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				if device.IsConnectionError(err) {
					return firstErr
				}
				continue
			}
			active = replaceEntry(active, entry)
		case mitigation.ActionAlreadyBlocked:
			w.logger.Debug().Str("address", action.Address.String()).Msg("Address already blocked")
		case mitigation.ActionNone:
			if cfg.Whitelisted(r.Source) {
				w.logger.Debug().Str("address", r.Source.String()).Msg("Whitelisted source not blocked")
			}
		}
	}

	if err := w.ctrl.Reconcile(ctx, w.session, cfg, active); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("reconcile: %w", err)
	}

	if err := w.store.RecordSample(pctx, sample); err != nil {
		w.logger.Error().Err(err).Msg("Failed to record sample")
	}
	w.active = len(active)

	return firstErr
}

// wait sleeps for d while serving manual requests. It returns false when ctx ends.
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case req := <-w.requests:
			req.reply <- w.handle(ctx, req)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req request) response {
	if w.session == nil {
		return response{err: fmt.Errorf("device %s: %w", w.id, ErrDeviceUnavailable)}
	}
	cfg := w.Config()
	active, err := w.store.ListActiveBlocks(ctx, w.id)
	if err != nil {
		return response{err: fmt.Errorf("list active blocks: %w", err)}
	}

	switch req.kind {
	case requestBlock:
		entry, err := w.ctrl.Block(ctx, w.session, cfg, req.addr, req.duration, req.reason, active)
		if err == nil {
			active = replaceEntry(active, entry)
			w.active = len(active)
		}
		return response{entry: entry, err: err}
	case requestUnblock:
		return response{err: w.ctrl.Unblock(ctx, w.session, cfg, req.addr, active)}
	}
	return response{err: fmt.Errorf("unknown request %d", req.kind)}
}

func (w *Worker) nextBackoff(cfg models.DeviceConfig) time.Duration {
	if w.bo == nil || w.bo.InitialInterval != cfg.BackoffBase || w.bo.MaxInterval != cfg.BackoffCap {
		w.bo = backoff.NewExponentialBackOff()
		w.bo.InitialInterval = cfg.BackoffBase
		w.bo.MaxInterval = cfg.BackoffCap
		w.bo.Multiplier = 2
		w.bo.RandomizationFactor = 0.1
		w.bo.MaxElapsedTime = 0
		w.bo.Reset()
	}
	d := w.bo.NextBackOff()
	if d == backoff.Stop || d > cfg.BackoffCap {
		d = cfg.BackoffCap
	}
	return d
}

func (w *Worker) fail(err error) {
	cfg := w.Config()
	w.failures++
	connectivity := models.ConnectivityDegraded
	if w.failures >= cfg.MaxFailures {
		connectivity = models.ConnectivityOffline
	}

	w.logger.Warn().
		Err(err).
		Str("kind", device.Kind(err)).
		Int("failures", w.failures).
		Str("connectivity", string(connectivity)).
		Msg("Device cycle failed")

	w.publish(func(s *models.DeviceStatus) {
		s.State = models.StateDegraded
		s.Connectivity = connectivity
		s.LastError = err.Error()
	})
}

func (w *Worker) succeed() {
	now := time.Now()
	if w.failures > 0 {
		w.logger.Info().Int("failures", w.failures).Msg("Device recovered")
	}
	w.failures = 0
	w.lastSuccess = &now
	if w.bo != nil {
		w.bo.Reset()
	}
	w.publish(func(s *models.DeviceStatus) {
		s.State = models.StatePolling
		s.Connectivity = models.ConnectivityOnline
		s.LastError = ""
	})
}

func (w *Worker) setState(state models.WorkerState) {
	if w.Status().State == state {
		return
	}
	w.publish(func(s *models.DeviceStatus) { s.State = state })
}

// publish builds a new status snapshot, stores it and persists it
func (w *Worker) publish(mutate func(*models.DeviceStatus)) {
	cfg := w.Config()
	next := w.Status()
	next.Name = cfg.Name
	next.ConsecutiveFailures = w.failures
	next.LastSuccess = w.lastSuccess
	next.LastPoll = w.lastPoll
	next.ActiveBlocks = w.active
	next.UpdatedAt = time.Now()
	mutate(&next)
	w.status.Store(&next)
	if w.abandoned.Load() {
		return
	}
	metrics.RecordStatus(next)

	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := w.store.UpdateDeviceStatus(ctx, w.id, next); err != nil {
		w.logger.Error().Err(err).Msg("Failed to persist device status")
	}
}

func (w *Worker) resetDetection() {
	w.previous = nil
	w.suppressor.Reset()
}

func (w *Worker) closeSession() {
	if w.session == nil {
		return
	}
	if err := w.session.Close(); err != nil {
		w.logger.Debug().Err(err).Msg("Error closing device session")
	}
	w.session = nil
}

func (w *Worker) shutdown() {
	w.closeSession()
	w.setState(models.StateStopped)
	w.logger.Info().Msg("Worker stopped")
}

// replaceEntry puts entry into active, replacing any entry for the same address
func replaceEntry(active []models.BlockEntry, entry models.BlockEntry) []models.BlockEntry {
	for i := range active {
		if active[i].Address == entry.Address {
			active[i] = entry
			return active
		}
	}
	return append(active, entry)
}

func sourceString(addr netip.Addr) string {
	if !addr.IsValid() {
		return "unattributed"
	}
	return addr.String()
}
