// Package fleet supervises one monitor.Worker per configured device.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"routerguard/internal/device"
	"routerguard/internal/logging"
	"routerguard/internal/metrics"
	"routerguard/internal/models"
	"routerguard/internal/monitor"
)

var (
	// ErrDeviceExists is returned when adding a device ID that is already registered
	ErrDeviceExists = errors.New("device already registered")
	// ErrDeviceNotFound is returned for operations on an unknown device ID
	ErrDeviceNotFound = errors.New("device not found")
	// ErrWorkerLeaked is returned when a worker failed to stop within the stop timeout
	ErrWorkerLeaked = errors.New("worker did not stop in time")
)

// Store is the persistence shared by all workers
type Store interface {
	monitor.Store
	DeleteDeviceStatus(ctx context.Context, deviceID string) error
}

// Options tunes supervision
type Options struct {
	// StopTimeout bounds how long a single worker may take to stop
	StopTimeout time.Duration
	// FailureThreshold, FailureDecay and FailureBackoff control restart of
	// panicking workers
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
}

// DefaultOptions returns the default supervision settings
func DefaultOptions() Options {
	return Options{
		StopTimeout:      10 * time.Second,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
	}
}

// forgetter is implemented by clients that keep per-device state
type forgetter interface {
	Forget(deviceID string)
}

type registration struct {
	cfg    models.DeviceConfig
	worker *monitor.Worker
	token  suture.ServiceToken
}

// Manager is the registry of device workers.
// All methods are safe for concurrent use.
type Manager struct {
	client device.Client
	store  Store
	opts   Options
	sup    *suture.Supervisor
	logger zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*registration
	started bool
	cancel  context.CancelFunc
	errCh   <-chan error
}

// NewManager creates a manager. Workers start once Start is called.
func NewManager(client device.Client, store Store, opts Options) *Manager {
	def := DefaultOptions()
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.FailureDecay <= 0 {
		opts.FailureDecay = def.FailureDecay
	}
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = def.FailureBackoff
	}

	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger("supervisor")}).MustHook()
	sup := suture.New("device-fleet", suture.Spec{
		EventHook:        hook,
		FailureThreshold: opts.FailureThreshold,
		FailureDecay:     opts.FailureDecay,
		FailureBackoff:   opts.FailureBackoff,
		Timeout:          opts.StopTimeout,
	})

	return &Manager{
		client:  client,
		store:   store,
		opts:    opts,
		sup:     sup,
		logger:  log.With().Str("component", "fleet").Logger(),
		devices: make(map[string]*registration),
	}
}

// Start begins supervising every registered enabled device
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("fleet manager already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.errCh = m.sup.ServeBackground(ctx)
	m.started = true

	for _, reg := range m.devices {
		if reg.worker != nil {
			reg.token = m.sup.Add(reg.worker)
		}
	}
	m.updateWorkerGauge()

	m.logger.Info().Int("devices", len(m.devices)).Msg("Fleet manager started")
	return nil
}

// AddDevice validates cfg and registers the device. An enabled device gets a
// running worker; a disabled one is registered without a worker.
func (m *Manager) AddDevice(cfg models.DeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDeviceExists, cfg.ID)
	}

	reg := &registration{cfg: cfg}
	m.devices[cfg.ID] = reg
	if cfg.Enabled {
		m.startWorker(reg)
	} else {
		m.persistDisabled(cfg)
	}
	m.updateWorkerGauge()

	m.logger.Info().Str("device", cfg.ID).Bool("enabled", cfg.Enabled).Msg("Device added")
	return nil
}

// RemoveDevice stops the device's worker and unregisters it. The device is
// unregistered even when its worker leaks; ErrWorkerLeaked reports that case.
func (m *Manager) RemoveDevice(id string) error {
	m.mu.Lock()
	reg, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	delete(m.devices, id)
	m.updateWorkerGauge()
	m.mu.Unlock()

	stopErr := m.stopWorker(reg)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StopTimeout)
	defer cancel()
	if err := m.store.DeleteDeviceStatus(ctx, id); err != nil {
		m.logger.Error().Err(err).Str("device", id).Msg("Failed to delete device status")
	}
	metrics.ForgetDevice(id)
	if f, ok := m.client.(forgetter); ok {
		f.Forget(id)
	}

	if stopErr != nil {
		return stopErr
	}
	m.logger.Info().Str("device", id).Msg("Device removed")
	return nil
}

// UpdateDevice replaces a device's configuration. Enabled workers pick it up
// on their next cycle; toggling Enabled starts or stops the worker.
func (m *Manager) UpdateDevice(cfg models.DeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	reg, ok := m.devices[cfg.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, cfg.ID)
	}
	reg.cfg = cfg

	switch {
	case cfg.Enabled && reg.worker != nil:
		reg.worker.Reconfigure(cfg)
		m.mu.Unlock()
		return nil
	case cfg.Enabled:
		m.startWorker(reg)
		m.updateWorkerGauge()
		m.mu.Unlock()
		m.logger.Info().Str("device", cfg.ID).Msg("Device enabled")
		return nil
	case reg.worker == nil:
		m.mu.Unlock()
		m.persistDisabled(cfg)
		return nil
	}

	// Disable: detach the worker under the lock, wait for it outside
	stopping := &registration{cfg: reg.cfg, worker: reg.worker, token: reg.token}
	reg.worker = nil
	m.updateWorkerGauge()
	m.mu.Unlock()

	err := m.stopWorker(stopping)
	m.persistDisabled(cfg)
	m.logger.Info().Str("device", cfg.ID).Msg("Device disabled")
	return err
}

// Apply converges the registry on cfgs: unknown devices are added, missing
// ones removed and the rest updated. All failures are returned joined.
func (m *Manager) Apply(cfgs []models.DeviceConfig) error {
	want := make(map[string]models.DeviceConfig, len(cfgs))
	for _, c := range cfgs {
		want[c.ID] = c
	}

	m.mu.RLock()
	var existing []string
	for id := range m.devices {
		existing = append(existing, id)
	}
	m.mu.RUnlock()
	sort.Strings(existing)

	var errs []error
	for _, id := range existing {
		if _, ok := want[id]; !ok {
			if err := m.RemoveDevice(id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, c := range cfgs {
		err := m.UpdateDevice(c)
		if errors.Is(err, ErrDeviceNotFound) {
			err = m.AddDevice(c)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Devices returns the registered configurations ordered by ID
func (m *Manager) Devices() []models.DeviceConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DeviceConfig, 0, len(m.devices))
	for _, reg := range m.devices {
		out = append(out, reg.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device returns the configuration for id
func (m *Manager) Device(id string) (models.DeviceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.devices[id]
	if !ok {
		return models.DeviceConfig{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return reg.cfg, nil
}

// ListStatus returns a status snapshot for every registered device ordered by ID
func (m *Manager) ListStatus() []models.DeviceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DeviceStatus, 0, len(m.devices))
	for _, reg := range m.devices {
		out = append(out, statusOf(reg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Status returns the status snapshot for id
func (m *Manager) Status(id string) (models.DeviceStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.devices[id]
	if !ok {
		return models.DeviceStatus{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return statusOf(reg), nil
}

// Block forwards a manual block to the device's worker
func (m *Manager) Block(ctx context.Context, id string, addr netip.Addr, duration time.Duration, reason string) (models.BlockEntry, error) {
	w, err := m.worker(id)
	if err != nil {
		return models.BlockEntry{}, err
	}
	return w.Block(ctx, addr, duration, reason)
}

// Unblock forwards a manual unblock to the device's worker
func (m *Manager) Unblock(ctx context.Context, id string, addr netip.Addr) error {
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	return w.Unblock(ctx, addr)
}

// Shutdown stops every worker and waits up to timeout for the supervisor.
// Workers that did not stop are reported through ErrWorkerLeaked.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel, errCh := m.cancel, m.errCh
	m.mu.Unlock()

	m.logger.Info().Msg("Stopping device workers")
	deadline := time.Now().Add(timeout)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn().Err(err).Msg("Supervisor exited with error")
		}
	case <-time.After(timeout):
		m.logger.Error().Dur("timeout", timeout).Msg("Supervisor did not stop in time")
	}

	// The report blocks until the supervisor has terminated
	type unstopped struct {
		report suture.UnstoppedServiceReport
		err    error
	}
	reportCh := make(chan unstopped, 1)
	go func() {
		report, err := m.sup.UnstoppedServiceReport()
		reportCh <- unstopped{report, err}
	}()

	var names []string
	select {
	case u := <-reportCh:
		if u.err != nil {
			return fmt.Errorf("%w: %v", ErrWorkerLeaked, u.err)
		}
		for _, svc := range u.report {
			names = append(names, svc.Name)
		}
	case <-time.After(time.Until(deadline)):
		names = m.runningWorkers()
	}

	if len(names) == 0 {
		m.logger.Info().Msg("All device workers stopped")
		metrics.WorkersRunning.Set(0)
		return nil
	}
	for _, name := range names {
		metrics.WorkerLeaksTotal.Inc()
		m.logger.Error().Str("service", name).Msg("Worker did not stop")
	}
	return fmt.Errorf("%w: %v", ErrWorkerLeaked, names)
}

// runningWorkers names the registered workers in ID order
func (m *Manager) runningWorkers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, reg := range m.devices {
		if reg.worker != nil {
			names = append(names, reg.worker.String())
		}
	}
	sort.Strings(names)
	return names
}

func (m *Manager) worker(id string) (*monitor.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if reg.worker == nil {
		return nil, fmt.Errorf("device %s is disabled: %w", id, monitor.ErrDeviceUnavailable)
	}
	return reg.worker, nil
}

// startWorker must be called with m.mu held
func (m *Manager) startWorker(reg *registration) {
	reg.worker = monitor.NewWorker(reg.cfg, m.client, m.store)
	if m.started {
		reg.token = m.sup.Add(reg.worker)
	}
}

func (m *Manager) stopWorker(reg *registration) error {
	if reg.worker == nil {
		return nil
	}

	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return nil
	}

	err := m.sup.RemoveAndWait(reg.token, m.opts.StopTimeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, suture.ErrTimeout):
		reg.worker.Abandon()
		metrics.WorkerLeaksTotal.Inc()
		m.logger.Error().
			Str("device", reg.cfg.ID).
			Dur("timeout", m.opts.StopTimeout).
			Msg("Worker did not stop in time, abandoning it")
		return fmt.Errorf("%w: %s", ErrWorkerLeaked, reg.cfg.ID)
	case errors.Is(err, suture.ErrSupervisorNotRunning):
		return nil
	default:
		return fmt.Errorf("stop worker %s: %w", reg.cfg.ID, err)
	}
}

func (m *Manager) persistDisabled(cfg models.DeviceConfig) {
	status := disabledStatus(cfg)
	metrics.RecordStatus(status)
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StopTimeout)
	defer cancel()
	if err := m.store.UpdateDeviceStatus(ctx, cfg.ID, status); err != nil {
		m.logger.Error().Err(err).Str("device", cfg.ID).Msg("Failed to persist device status")
	}
}

// updateWorkerGauge must be called with m.mu held
func (m *Manager) updateWorkerGauge() {
	n := 0
	for _, reg := range m.devices {
		if reg.worker != nil {
			n++
		}
	}
	metrics.WorkersRunning.Set(float64(n))
}

func statusOf(reg *registration) models.DeviceStatus {
	if reg.worker == nil {
		return disabledStatus(reg.cfg)
	}
	return reg.worker.Status()
}

func disabledStatus(cfg models.DeviceConfig) models.DeviceStatus {
	return models.DeviceStatus{
		DeviceID:     cfg.ID,
		Name:         cfg.Name,
		State:        models.StateDisabled,
		Connectivity: models.ConnectivityOffline,
		UpdatedAt:    time.Now(),
	}
}
