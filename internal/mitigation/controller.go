package mitigation

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"routerguard/internal/device"
	"routerguard/internal/metrics"
	"routerguard/internal/models"
)

var (
	// ErrWhitelisted is returned when a manual block targets a whitelisted address
	ErrWhitelisted = errors.New("address is whitelisted")
	// ErrRateLimited is returned when a new block exceeds the per-device block rate
	ErrRateLimited = errors.New("block rate limit reached")
)

// Store is the persistence the controller writes block state through
type Store interface {
	UpsertBlock(ctx context.Context, entry models.BlockEntry) error
	ListActiveBlocks(ctx context.Context, deviceID string) ([]models.BlockEntry, error)
}

// Controller executes block list changes for one device.
// It is owned by that device's worker and is not safe for concurrent use.
type Controller struct {
	deviceID  string
	store     Store
	limiter   *rate.Limiter
	perMinute int
	pending   map[netip.Addr]models.BlockEntry
	logger    zerolog.Logger
	now       func() time.Time
}

// NewController creates a controller for deviceID
func NewController(deviceID string, store Store) *Controller {
	return &Controller{
		deviceID: deviceID,
		store:    store,
		pending:  make(map[netip.Addr]models.BlockEntry),
		logger:   log.With().Str("component", "mitigation").Str("device", deviceID).Logger(),
		now:      time.Now,
	}
}

// SetRateLimit limits new automatic blocks to perMinute, zero disables the limit
func (c *Controller) SetRateLimit(perMinute int) {
	if perMinute == c.perMinute {
		return
	}
	c.perMinute = perMinute
	if perMinute <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// Pending returns the number of removals waiting to be retried
func (c *Controller) Pending() int {
	return len(c.pending)
}

// Execute applies a block action. The entry is persisted as active only after
// the device accepted the change.
func (c *Controller) Execute(ctx context.Context, sess device.Session, cfg models.DeviceConfig, action Action) (models.BlockEntry, error) {
	if action.Kind != ActionBlock {
		return models.BlockEntry{}, nil
	}
	if action.Existing == nil && c.limiter != nil && !c.limiter.Allow() {
		metrics.BlockActionsTotal.WithLabelValues(c.deviceID, "block", "deferred").Inc()
		return models.BlockEntry{}, ErrRateLimited
	}
	return c.apply(ctx, sess, cfg, action, models.OriginAuto)
}

// Block applies a manual block. A zero duration blocks indefinitely.
func (c *Controller) Block(ctx context.Context, sess device.Session, cfg models.DeviceConfig, addr netip.Addr, duration time.Duration, reason string, active []models.BlockEntry) (models.BlockEntry, error) {
	if cfg.Whitelisted(addr) {
		return models.BlockEntry{}, fmt.Errorf("block %s: %w", addr, ErrWhitelisted)
	}
	if reason == "" {
		reason = "manual block"
	}
	action := Action{
		Kind:     ActionBlock,
		Address:  addr,
		Duration: duration,
		Severity: models.SeverityNone,
		Reason:   reason,
		Existing: FindActive(active, addr, c.now()),
	}
	return c.apply(ctx, sess, cfg, action, models.OriginManual)
}

func (c *Controller) apply(ctx context.Context, sess device.Session, cfg models.DeviceConfig, action Action, origin models.BlockOrigin) (models.BlockEntry, error) {
	verb := "block"
	if action.Existing != nil {
		verb = "extend"
	}

	// Device and store calls run to completion even if the worker is stopping.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.CallTimeout)
	defer cancel()

	comment := fmt.Sprintf("routerguard: %s", action.Reason)
	if err := sess.AddBlock(callCtx, action.Address, action.Duration, comment); err != nil {
		metrics.BlockActionsTotal.WithLabelValues(c.deviceID, verb, "error").Inc()
		return models.BlockEntry{}, fmt.Errorf("%s %s: %w", verb, action.Address, err)
	}
	metrics.BlockActionsTotal.WithLabelValues(c.deviceID, verb, "ok").Inc()

	now := c.now()
	var entry models.BlockEntry
	if action.Existing != nil {
		entry = *action.Existing
		if action.Severity > entry.Severity {
			entry.Severity = action.Severity
		}
	} else {
		entry = models.BlockEntry{
			ID:        uuid.New().String(),
			DeviceID:  c.deviceID,
			Address:   action.Address,
			Severity:  action.Severity,
			Origin:    origin,
			CreatedAt: now,
		}
	}
	entry.Reason = action.Reason
	entry.Status = models.BlockActive
	entry.UpdatedAt = now
	if action.Duration > 0 {
		expires := now.Add(action.Duration)
		entry.ExpiresAt = &expires
	} else {
		entry.ExpiresAt = nil
	}

	delete(c.pending, action.Address)

	if err := c.store.UpsertBlock(callCtx, entry); err != nil {
		return entry, fmt.Errorf("persist block %s: %w", action.Address, err)
	}

	c.logger.Info().
		Str("address", action.Address.String()).
		Str("action", verb).
		Str("origin", string(origin)).
		Dur("duration", action.Duration).
		Str("reason", action.Reason).
		Msg("Address blocked")

	return entry, nil
}

// Sweep marks every active entry past its expiry as expired and requests its
// removal from the device. Removals that fail stay queued for the next cycle.
// It returns the entries that are still active.
func (c *Controller) Sweep(ctx context.Context, sess device.Session, cfg models.DeviceConfig, active []models.BlockEntry) ([]models.BlockEntry, error) {
	now := c.now()
	remaining := make([]models.BlockEntry, 0, len(active))

	for _, e := range active {
		if e.Status != models.BlockActive {
			continue
		}
		if !e.Expired(now) {
			remaining = append(remaining, e)
			continue
		}
		e.Status = models.BlockExpired
		e.UpdatedAt = now
		if err := c.store.UpsertBlock(context.WithoutCancel(ctx), e); err != nil {
			c.logger.Error().Err(err).Str("address", e.Address.String()).Msg("Failed to mark block expired")
		}
		c.pending[e.Address] = e
		c.logger.Info().Str("address", e.Address.String()).Msg("Block expired")
	}

	return remaining, c.flush(ctx, sess, cfg)
}

// Unblock removes addr on explicit request. The entry is marked removed before
// the device call; a failed call is retried on later cycles.
func (c *Controller) Unblock(ctx context.Context, sess device.Session, cfg models.DeviceConfig, addr netip.Addr, active []models.BlockEntry) error {
	now := c.now()
	for _, e := range active {
		if e.Address != addr || e.Status != models.BlockActive {
			continue
		}
		e.Status = models.BlockRemoved
		e.UpdatedAt = now
		if err := c.store.UpsertBlock(context.WithoutCancel(ctx), e); err != nil {
			return fmt.Errorf("persist unblock %s: %w", addr, err)
		}
	}

	if err := c.remove(ctx, sess, cfg, addr); err != nil {
		c.pending[addr] = models.BlockEntry{DeviceID: c.deviceID, Address: addr, Status: models.BlockRemoved}
		c.recordPending()
		return fmt.Errorf("unblock %s (queued for retry): %w", addr, err)
	}
	delete(c.pending, addr)
	c.recordPending()
	c.logger.Info().Str("address", addr.String()).Msg("Address unblocked")
	return nil
}

// Reconcile compares intended block state with the device. Active entries the
// device lost are added back and queued removals are retried. Sessions that
// cannot list their block list only get the removal retry.
func (c *Controller) Reconcile(ctx context.Context, sess device.Session, cfg models.DeviceConfig, active []models.BlockEntry) error {
	lister, ok := sess.(device.BlockLister)
	if !ok {
		return c.flush(ctx, sess, cfg)
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	onDevice, err := lister.ListBlocks(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("list device blocks: %w", err)
	}

	present := make(map[netip.Addr]bool, len(onDevice))
	for _, a := range onDevice {
		present[a] = true
	}

	// Removals the device already reflects are confirmed
	for addr := range c.pending {
		if !present[addr] {
			delete(c.pending, addr)
		}
	}

	now := c.now()
	for _, e := range active {
		if e.Status != models.BlockActive || e.Expired(now) || present[e.Address] {
			continue
		}
		var remaining time.Duration
		if e.ExpiresAt != nil {
			remaining = e.ExpiresAt.Sub(now).Round(time.Second)
			if remaining <= 0 {
				continue
			}
		}
		addCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.CallTimeout)
		err := sess.AddBlock(addCtx, e.Address, remaining, "routerguard: "+e.Reason)
		cancel()
		if err != nil {
			metrics.BlockActionsTotal.WithLabelValues(c.deviceID, "readd", "error").Inc()
			return fmt.Errorf("re-add %s: %w", e.Address, err)
		}
		metrics.BlockActionsTotal.WithLabelValues(c.deviceID, "readd", "ok").Inc()
		c.logger.Warn().Str("address", e.Address.String()).Msg("Block missing on device, re-added")
	}

	return c.flush(ctx, sess, cfg)
}

// flush retries queued removals in address order and stops at the first
// connection failure.
func (c *Controller) flush(ctx context.Context, sess device.Session, cfg models.DeviceConfig) error {
	defer c.recordPending()
	if len(c.pending) == 0 {
		return nil
	}

	addrs := make([]netip.Addr, 0, len(c.pending))
	for a := range c.pending {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	var firstErr error
	for _, addr := range addrs {
		if err := c.remove(ctx, sess, cfg, addr); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", addr, err)
			}
			if device.IsConnectionError(err) {
				break
			}
			continue
		}
		delete(c.pending, addr)
	}
	return firstErr
}

func (c *Controller) remove(ctx context.Context, sess device.Session, cfg models.DeviceConfig, addr netip.Addr) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.CallTimeout)
	defer cancel()
	if err := sess.RemoveBlock(callCtx, addr); err != nil {
		metrics.BlockActionsTotal.WithLabelValues(c.deviceID, "unblock", "error").Inc()
		return err
	}
	metrics.BlockActionsTotal.WithLabelValues(c.deviceID, "unblock", "ok").Inc()
	return nil
}

func (c *Controller) recordPending() {
	metrics.PendingRemovals.WithLabelValues(c.deviceID).Set(float64(len(c.pending)))
}
