// Package events publishes detections and block changes to NATS.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"routerguard/internal/fleet"
	"routerguard/internal/metrics"
	"routerguard/internal/models"
)

// Subject suffixes under <prefix>.<device>
const (
	KindDetection = "detection"
	KindBlock     = "block"
)

// DetectionMessage is published for every recorded detection
type DetectionMessage struct {
	ID        string            `json:"id"`
	DeviceID  string            `json:"deviceId"`
	Type      models.AttackType `json:"type"`
	Severity  models.Severity   `json:"severity"`
	Source    string            `json:"source,omitempty"`
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	Threshold float64           `json:"threshold"`
	Timestamp time.Time         `json:"timestamp"`
}

// BlockMessage is published whenever a block entry is written
type BlockMessage struct {
	ID        string             `json:"id"`
	DeviceID  string             `json:"deviceId"`
	Address   string             `json:"address"`
	Status    models.BlockStatus `json:"status"`
	Origin    models.BlockOrigin `json:"origin"`
	Severity  models.Severity    `json:"severity"`
	Reason    string             `json:"reason"`
	ExpiresAt *time.Time         `json:"expiresAt,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Publisher sends event messages to NATS
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewPublisher connects to the NATS server at url
func NewPublisher(url, prefix string) (*Publisher, error) {
	logger := log.With().Str("component", "events").Logger()
	nc, err := nats.Connect(url,
		nats.Name("routerguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Info().Str("url", url).Str("prefix", prefix).Msg("Connected to NATS")
	return &Publisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject for a device and kind
func (p *Publisher) Subject(deviceID, kind string) string {
	return p.prefix + "." + deviceID + "." + kind
}

// PublishDetection publishes a detection result for deviceID
func (p *Publisher) PublishDetection(deviceID string, r models.DetectionResult) error {
	msg := DetectionMessage{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Type:      r.Type,
		Severity:  r.Severity,
		Metric:    r.Metric,
		Value:     r.Value,
		Threshold: r.Threshold,
		Timestamp: r.Timestamp,
	}
	if r.Attributable() {
		msg.Source = r.Source.String()
	}
	return p.publish(p.Subject(deviceID, KindDetection), KindDetection, msg)
}

// PublishBlock publishes the current state of a block entry
func (p *Publisher) PublishBlock(e models.BlockEntry) error {
	msg := BlockMessage{
		ID:        e.ID,
		DeviceID:  e.DeviceID,
		Address:   e.Address.String(),
		Status:    e.Status,
		Origin:    e.Origin,
		Severity:  e.Severity,
		Reason:    e.Reason,
		ExpiresAt: e.ExpiresAt,
		UpdatedAt: e.UpdatedAt,
	}
	return p.publish(p.Subject(e.DeviceID, KindBlock), KindBlock, msg)
}

func (p *Publisher) publish(subject, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("encode %s message: %w", kind, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		metrics.EventsPublished.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	metrics.EventsPublished.WithLabelValues(kind, "ok").Inc()
	return nil
}

// Close drains pending messages and closes the connection
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.logger.Info().Msg("NATS connection drained")
	return err
}

// publishingStore forwards to the wrapped store and publishes what was written
type publishingStore struct {
	fleet.Store
	pub *Publisher
}

// WrapStore returns a store that publishes every recorded event and block
// write after the underlying store accepted it. Publish failures are logged.
func WrapStore(next fleet.Store, pub *Publisher) fleet.Store {
	return &publishingStore{Store: next, pub: pub}
}

func (s *publishingStore) RecordEvent(ctx context.Context, deviceID string, r models.DetectionResult) error {
	if err := s.Store.RecordEvent(ctx, deviceID, r); err != nil {
		return err
	}
	if err := s.pub.PublishDetection(deviceID, r); err != nil {
		s.pub.logger.Warn().Err(err).Str("device", deviceID).Msg("Failed to publish detection")
	}
	return nil
}

func (s *publishingStore) UpsertBlock(ctx context.Context, e models.BlockEntry) error {
	if err := s.Store.UpsertBlock(ctx, e); err != nil {
		return err
	}
	if err := s.pub.PublishBlock(e); err != nil {
		s.pub.logger.Warn().Err(err).Str("device", e.DeviceID).Msg("Failed to publish block")
	}
	return nil
}
