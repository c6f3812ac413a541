// Package devicetest provides an in-memory device client for tests.
package devicetest

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"routerguard/internal/device"
	"routerguard/internal/models"
)

// Rates drives the counters a fake device reports, in units per second
type Rates struct {
	NewConnections   float64
	SYNPackets       float64
	UDPPackets       float64
	ICMPPackets      float64
	TotalConnections int64
	Sources          []models.SourceStats
}

// Client is a device.Client backed by in-memory devices keyed by device ID
type Client struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewClient creates an empty fake client
func NewClient() *Client {
	return &Client{devices: make(map[string]*Device)}
}

// Device returns the fake device for id, creating it on first use
func (c *Client) Device(id string) *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok {
		d = &Device{id: id, blocks: make(map[netip.Addr]time.Duration)}
		c.devices[id] = d
	}
	return d
}

// Connect implements device.Client
func (c *Client) Connect(ctx context.Context, cfg models.DeviceConfig) (device.Session, error) {
	d := c.Device(cfg.ID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	d.lastHost = cfg.Host
	if d.connectErr != nil {
		return nil, &device.ConnectionError{Device: cfg.ID, Op: "connect", Err: d.connectErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, &device.ConnectionError{Device: cfg.ID, Op: "connect", Err: err}
	}
	d.open++
	return &session{dev: d}, nil
}

// Device is a scripted fake device
type Device struct {
	mu         sync.Mutex
	id         string
	rates      Rates
	start      time.Time
	blocks     map[netip.Addr]time.Duration
	connectErr error
	fetchErr   error
	addErr     error
	removeErr  error
	fetchDelay time.Duration
	connects   int
	fetches    int
	adds       int
	removes    int
	open       int
	lastHost   string
}

// SetRates replaces the traffic rates the device reports
func (d *Device) SetRates(r Rates) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rates = r
	d.start = time.Time{}
}

// SetConnectError makes Connect fail with err until cleared with nil
func (d *Device) SetConnectError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// SetFetchError makes FetchCounters fail with err until cleared with nil
func (d *Device) SetFetchError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchErr = err
}

// SetAddError makes AddBlock fail with err until cleared with nil
func (d *Device) SetAddError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addErr = err
}

// SetRemoveError makes RemoveBlock fail with err until cleared with nil
func (d *Device) SetRemoveError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeErr = err
}

// SetFetchDelay stalls FetchCounters for delay or until its context ends
func (d *Device) SetFetchDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchDelay = delay
}

// AddBlockDirect puts addr on the device list without going through a session
func (d *Device) AddBlockDirect(addr netip.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks[addr] = 0
}

// HasBlock reports whether addr is on the device block list
func (d *Device) HasBlock(addr netip.Addr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.blocks[addr]
	return ok
}

// BlockDuration returns the duration addr was last blocked with
func (d *Device) BlockDuration(addr netip.Addr) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocks[addr]
}

// Blocks returns the sorted device block list
func (d *Device) Blocks() []netip.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedBlocks()
}

// Connects returns the number of connection attempts
func (d *Device) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Fetches returns the number of successful counter fetches
func (d *Device) Fetches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetches
}

// Adds returns the number of successful AddBlock calls
func (d *Device) Adds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adds
}

// Removes returns the number of successful RemoveBlock calls
func (d *Device) Removes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removes
}

// OpenSessions returns the number of sessions not yet closed
func (d *Device) OpenSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// LastHost returns the host of the most recent connection attempt
func (d *Device) LastHost() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHost
}

func (d *Device) sortedBlocks() []netip.Addr {
	out := make([]netip.Addr, 0, len(d.blocks))
	for a := range d.blocks {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

type session struct {
	dev    *Device
	closed bool
}

var errClosed = errors.New("session closed")

func (s *session) FetchCounters(ctx context.Context) (models.TrafficSample, error) {
	d := s.dev
	d.mu.Lock()
	delay := d.fetchDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.TrafficSample{}, &device.ConnectionError{Device: d.id, Op: "fetch", Err: ctx.Err()}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return models.TrafficSample{}, &device.ConnectionError{Device: d.id, Op: "fetch", Err: errClosed}
	}
	if d.fetchErr != nil {
		return models.TrafficSample{}, d.fetchErr
	}

	now := time.Now()
	if d.start.IsZero() {
		d.start = now
	}
	elapsed := now.Sub(d.start).Seconds()
	r := d.rates
	d.fetches++

	sources := make([]models.SourceStats, len(r.Sources))
	copy(sources, r.Sources)

	return models.TrafficSample{
		DeviceID:         d.id,
		Timestamp:        now,
		TotalConnections: r.TotalConnections,
		NewConnections:   uint64(r.NewConnections * elapsed),
		SYNPackets:       uint64(r.SYNPackets * elapsed),
		UDPPackets:       uint64(r.UDPPackets * elapsed),
		ICMPPackets:      uint64(r.ICMPPackets * elapsed),
		Sources:          sources,
	}, nil
}

func (s *session) AddBlock(ctx context.Context, addr netip.Addr, duration time.Duration, comment string) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addErr != nil {
		return d.addErr
	}
	d.blocks[addr] = duration
	d.adds++
	return nil
}

func (s *session) RemoveBlock(ctx context.Context, addr netip.Addr) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removeErr != nil {
		return d.removeErr
	}
	delete(d.blocks, addr)
	d.removes++
	return nil
}

func (s *session) ListBlocks(ctx context.Context) ([]netip.Addr, error) {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedBlocks(), nil
}

func (s *session) Close() error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if !s.closed {
		s.closed = true
		d.open--
	}
	return nil
}
