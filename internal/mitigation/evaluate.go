// Package mitigation decides and executes block list changes on a device.
package mitigation

import (
	"net/netip"
	"time"

	"routerguard/internal/models"
)

// ActionKind is the decision taken for a detection
type ActionKind string

const (
	ActionNone           ActionKind = "none"
	ActionBlock          ActionKind = "block"
	ActionAlreadyBlocked ActionKind = "already_blocked"
)

// Action is the outcome of Evaluate
type Action struct {
	Kind     ActionKind
	Address  netip.Addr
	Duration time.Duration
	Severity models.Severity
	Reason   string
	// Existing is the active entry for the address, if any
	Existing *models.BlockEntry
}

// Evaluate decides what to do about a detection. It performs no I/O.
//
// The whitelist is checked before anything else and a whitelisted address is
// never blocked. Blocks are extend-only: an active block is left alone unless
// the proposed expiry is later than the current one by more than half the
// proposed duration.
func Evaluate(result models.DetectionResult, cfg models.DeviceConfig, active []models.BlockEntry, now time.Time) Action {
	none := Action{Kind: ActionNone, Address: result.Source, Severity: result.Severity}

	if !result.IsAttack() || !result.Attributable() {
		return none
	}
	if cfg.Whitelisted(result.Source) {
		return none
	}
	if !cfg.AutoMitigate {
		return none
	}
	if result.Severity < cfg.MinBlockSeverity {
		return none
	}

	duration := cfg.BlockDuration(result.Severity)
	action := Action{
		Kind:     ActionBlock,
		Address:  result.Source,
		Duration: duration,
		Severity: result.Severity,
		Reason:   result.Reason(),
	}

	existing := FindActive(active, result.Source, now)
	if existing == nil {
		return action
	}
	action.Existing = existing

	if existing.ExpiresAt == nil {
		action.Kind = ActionAlreadyBlocked
		return action
	}
	proposed := now.Add(duration)
	if !proposed.After(existing.ExpiresAt.Add(duration / 2)) {
		action.Kind = ActionAlreadyBlocked
	}
	return action
}

// FindActive returns the active, unexpired entry for addr
func FindActive(active []models.BlockEntry, addr netip.Addr, now time.Time) *models.BlockEntry {
	for i := range active {
		e := active[i]
		if e.Status == models.BlockActive && e.Address == addr && !e.Expired(now) {
			return &e
		}
	}
	return nil
}
