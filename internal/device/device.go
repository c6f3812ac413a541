// Package device defines the capabilities routerguard needs from a device
// management protocol client, and the errors such a client reports.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"routerguard/internal/models"
)

// Client opens management sessions to devices
type Client interface {
	Connect(ctx context.Context, cfg models.DeviceConfig) (Session, error)
}

// Session is an open management session to one device.
// Sessions are used by a single worker and need not be safe for concurrent use.
type Session interface {
	// FetchCounters reads the current traffic counters
	FetchCounters(ctx context.Context) (models.TrafficSample, error)
	// AddBlock adds or refreshes addr on the block list. A zero duration blocks indefinitely.
	AddBlock(ctx context.Context, addr netip.Addr, duration time.Duration, comment string) error
	// RemoveBlock removes addr from the block list. Removing an absent address is not an error.
	RemoveBlock(ctx context.Context, addr netip.Addr) error
	Close() error
}

// BlockLister is implemented by sessions that can report the device-side block list
type BlockLister interface {
	ListBlocks(ctx context.Context) ([]netip.Addr, error)
}

// ConnectionError reports an unreachable device or an authentication failure
type ConnectionError struct {
	Device string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device %s: %s: connection error: %v", e.Device, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected device response
type ProtocolError struct {
	Device string
	Op     string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("device %s: %s: protocol error: %v", e.Device, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is or wraps a ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsProtocolError reports whether err is or wraps a ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Kind names the error class for logs and metrics
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsConnectionError(err):
		return "connection"
	case IsProtocolError(err):
		return "protocol"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
