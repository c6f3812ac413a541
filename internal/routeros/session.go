package routeros

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"routerguard/internal/device"
	"routerguard/internal/metrics"
)

// maxResponseBytes caps a single REST response; connection tables can be large
const maxResponseBytes = 64 << 20

var errSessionClosed = errors.New("session closed")

// APIError is an error response from the RouterOS REST API
type APIError struct {
	Status  int    `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("routeros: %d %s: %s", e.Status, e.Message, e.Detail)
	}
	return fmt.Sprintf("routeros: %d %s", e.Status, e.Message)
}

type session struct {
	deviceID string
	baseURL  string
	username string
	password string
	list     string
	http     *http.Client
	cb       *gobreaker.CircuitBreaker[[]byte]
	logger   zerolog.Logger
	closed   atomic.Bool
}

type systemResource struct {
	Version   string `json:"version"`
	BoardName string `json:"board-name"`
	Uptime    string `json:"uptime"`
}

type addressListEntry struct {
	ID      string `json:".id,omitempty"`
	List    string `json:"list"`
	Address string `json:"address"`
	Timeout string `json:"timeout,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// AddBlock adds addr to the address list, or refreshes the existing entry.
// A zero duration creates a static entry without timeout.
func (s *session) AddBlock(ctx context.Context, addr netip.Addr, duration time.Duration, comment string) error {
	existing, err := s.findEntry(ctx, "add_block", addr)
	if err != nil {
		return err
	}

	if existing != nil && duration > 0 {
		patch := map[string]string{"timeout": formatTimeout(duration), "comment": comment}
		return s.do(ctx, "add_block", http.MethodPatch, "/ip/firewall/address-list/"+url.PathEscape(existing.ID), patch, nil)
	}
	if existing != nil {
		// A dynamic entry cannot be made permanent in place
		if err := s.deleteEntry(ctx, "add_block", existing.ID); err != nil {
			return err
		}
	}

	entry := addressListEntry{List: s.list, Address: addr.String(), Comment: comment}
	if duration > 0 {
		entry.Timeout = formatTimeout(duration)
	}
	return s.do(ctx, "add_block", http.MethodPut, "/ip/firewall/address-list", entry, nil)
}

// RemoveBlock removes addr from the address list. A missing entry is not an error.
func (s *session) RemoveBlock(ctx context.Context, addr netip.Addr) error {
	existing, err := s.findEntry(ctx, "remove_block", addr)
	if err != nil || existing == nil {
		return err
	}
	return s.deleteEntry(ctx, "remove_block", existing.ID)
}

// ListBlocks returns the addresses currently on the address list
func (s *session) ListBlocks(ctx context.Context) ([]netip.Addr, error) {
	var entries []addressListEntry
	q := url.Values{"list": {s.list}}
	if err := s.get(ctx, "list_blocks", "/ip/firewall/address-list?"+q.Encode(), &entries); err != nil {
		return nil, err
	}

	out := make([]netip.Addr, 0, len(entries))
	for _, e := range entries {
		addr, ok := parseHost(e.Address)
		if !ok {
			s.logger.Debug().Str("address", e.Address).Msg("Skipping non-host address list entry")
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

// Close releases idle connections. Calls after Close fail with a connection error.
func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.http.CloseIdleConnections()
	return nil
}

func (s *session) findEntry(ctx context.Context, op string, addr netip.Addr) (*addressListEntry, error) {
	var entries []addressListEntry
	q := url.Values{"list": {s.list}, "address": {addr.String()}}
	if err := s.get(ctx, op, "/ip/firewall/address-list?"+q.Encode(), &entries); err != nil {
		return nil, err
	}
	target := addr.Unmap()
	for i := range entries {
		if a, ok := parseHost(entries[i].Address); ok && a == target {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (s *session) deleteEntry(ctx context.Context, op, id string) error {
	err := s.do(ctx, op, http.MethodDelete, "/ip/firewall/address-list/"+url.PathEscape(id), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (s *session) get(ctx context.Context, op, path string, out any) error {
	return s.do(ctx, op, http.MethodGet, path, nil, out)
}

// do runs one REST call through the device's circuit breaker
func (s *session) do(ctx context.Context, op, method, path string, body, out any) error {
	if s.closed.Load() {
		return &device.ConnectionError{Device: s.deviceID, Op: op, Err: errSessionClosed}
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return &device.ProtocolError{Device: s.deviceID, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
	}

	start := time.Now()
	data, err := s.cb.Execute(func() ([]byte, error) {
		return s.roundTrip(ctx, op, method, path, payload)
	})
	metrics.DeviceRequestDuration.WithLabelValues(s.deviceID, op).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &device.ConnectionError{Device: s.deviceID, Op: op, Err: err}
		}
		return err
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &device.ProtocolError{Device: s.deviceID, Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func (s *session) roundTrip(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, &device.ProtocolError{Device: s.deviceID, Op: op, Err: err}
	}
	req.SetBasicAuth(s.username, s.password)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &device.ConnectionError{Device: s.deviceID, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &device.ConnectionError{Device: s.deviceID, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 400 {
		return data, nil
	}

	apiErr := &APIError{}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Status == 0 {
		apiErr = &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &device.ConnectionError{Device: s.deviceID, Op: op, Err: fmt.Errorf("authentication failed: %w", apiErr)}
	case resp.StatusCode >= 500:
		return nil, &device.ConnectionError{Device: s.deviceID, Op: op, Err: apiErr}
	default:
		return nil, &device.ProtocolError{Device: s.deviceID, Op: op, Err: apiErr}
	}
}

// formatTimeout renders d in RouterOS time notation, e.g. 1d2h30m
func formatTimeout(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	out := ""
	for _, unit := range []struct {
		suffix string
		size   int64
	}{{"w", 7 * 86400}, {"d", 86400}, {"h", 3600}, {"m", 60}, {"s", 1}} {
		if n := secs / unit.size; n > 0 {
			out += fmt.Sprintf("%d%s", n, unit.suffix)
			secs -= n * unit.size
		}
	}
	return out
}

// parseHost accepts a bare address or a single-host prefix
func parseHost(s string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap(), true
	}
	p, err := netip.ParsePrefix(s)
	if err != nil || !p.IsSingleIP() {
		return netip.Addr{}, false
	}
	return p.Addr().Unmap(), true
}
