// Package routeros implements device.Client for MikroTik RouterOS over its REST API.
//
// Counters come from firewall filter rules whose comment starts with
// "routerguard:" followed by the counter name (syn, udp, icmp, new-conn), and
// from the connection tracking table. Blocks are entries in a firewall
// address list.
package routeros

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"routerguard/internal/device"
	"routerguard/internal/metrics"
	"routerguard/internal/models"
)

// CommentPrefix marks firewall objects managed by routerguard
const CommentPrefix = "routerguard:"

// BreakerSettings controls the per-device circuit breaker
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
}

// Client connects to RouterOS devices. Breakers outlive sessions so a device
// that keeps failing stays tripped across reconnects.
type Client struct {
	breaker BreakerSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a RouterOS client
func NewClient(settings BreakerSettings) *Client {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	return &Client{
		breaker:  settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// Connect resolves credentials, opens an HTTP session and verifies it
// against /rest/system/resource.
func (c *Client) Connect(ctx context.Context, cfg models.DeviceConfig) (device.Session, error) {
	password, err := ResolveCredentials(cfg.CredentialsRef)
	if err != nil {
		return nil, &device.ConnectionError{Device: cfg.ID, Op: "connect", Err: err}
	}

	scheme, port := "http", cfg.Port
	if cfg.UseTLS {
		scheme = "https"
		if port == 0 {
			port = 443
		}
	} else if port == 0 {
		port = 80
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: cfg.CallTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec // opt-in per device for self-signed router certificates
		TLSHandshakeTimeout: cfg.CallTimeout,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
	}

	s := &session{
		deviceID: cfg.ID,
		baseURL:  fmt.Sprintf("%s://%s/rest", scheme, net.JoinHostPort(cfg.Host, strconv.Itoa(port))),
		username: cfg.Username,
		password: password,
		list:     cfg.AddressList,
		http:     &http.Client{Transport: transport},
		cb:       c.breakerFor(cfg.ID),
		logger:   log.With().Str("component", "routeros").Str("device", cfg.ID).Logger(),
	}

	var resource systemResource
	if err := s.get(ctx, "connect", "/system/resource", &resource); err != nil {
		transport.CloseIdleConnections()
		var perr *device.ProtocolError
		if errors.As(err, &perr) {
			return nil, &device.ConnectionError{Device: cfg.ID, Op: "connect", Err: err}
		}
		return nil, err
	}
	s.logger.Debug().
		Str("version", resource.Version).
		Str("board", resource.BoardName).
		Msg("RouterOS session opened")
	return s, nil
}

// Forget drops the circuit breaker kept for deviceID and its state gauge.
// The fleet calls it when a device is removed.
func (c *Client) Forget(deviceID string) {
	c.mu.Lock()
	delete(c.breakers, deviceID)
	c.mu.Unlock()
	metrics.CircuitBreakerState.DeleteLabelValues(deviceID)
}

func (c *Client) breakerFor(deviceID string) *gobreaker.CircuitBreaker[[]byte] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[deviceID]; ok {
		return cb
	}

	threshold := c.breaker.ConsecutiveFailures
	metrics.CircuitBreakerState.WithLabelValues(deviceID).Set(0)
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        deviceID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     c.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only transport-level failures count against the device
		IsSuccessful: func(err error) bool {
			return err == nil || !device.IsConnectionError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("component", "routeros").
				Str("device", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerValue(to))
		},
	})
	c.breakers[deviceID] = cb
	return cb
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
