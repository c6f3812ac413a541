// Package metrics exposes routerguard's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"routerguard/internal/models"
)

var (
	// Poll loop
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerguard_polls_total",
			Help: "Poll cycles per device by result",
		},
		[]string{"device", "result"}, // ok, connection, protocol, timeout, other
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routerguard_poll_duration_seconds",
			Help:    "Duration of a full poll cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"device"},
	)

	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerguard_detections_total",
			Help: "Reported detections by attack type and severity",
		},
		[]string{"device", "type", "severity"},
	)

	// Mitigation
	BlockActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerguard_block_actions_total",
			Help: "Block list changes issued to devices",
		},
		[]string{"device", "action", "result"}, // action: block, extend, unblock, readd
	)

	ActiveBlocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routerguard_active_blocks",
			Help: "Active block entries per device",
		},
		[]string{"device"},
	)

	PendingRemovals = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routerguard_pending_removals",
			Help: "Block removals waiting for a successful device call",
		},
		[]string{"device"},
	)

	// Worker health
	DeviceConnectivity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routerguard_device_connectivity",
			Help: "Device connectivity (0 online, 1 degraded, 2 offline)",
		},
		[]string{"device"},
	)

	ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routerguard_device_consecutive_failures",
			Help: "Consecutive failed cycles per device",
		},
		[]string{"device"},
	)

	WorkersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routerguard_workers_running",
			Help: "Device workers currently supervised",
		},
	)

	WorkerLeaksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routerguard_worker_leaks_total",
			Help: "Workers abandoned after failing to stop within the timeout",
		},
	)

	// Device client
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routerguard_circuit_breaker_state",
			Help: "Device client circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"device"},
	)

	DeviceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routerguard_device_request_duration_seconds",
			Help:    "Duration of device management API requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"device", "operation"},
	)

	// Event publishing
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerguard_events_published_total",
			Help: "Events published to NATS by kind and result",
		},
		[]string{"kind", "result"},
	)
)

// RecordPoll records the outcome and duration of a poll cycle
func RecordPoll(deviceID, result string, duration time.Duration) {
	PollsTotal.WithLabelValues(deviceID, result).Inc()
	PollDuration.WithLabelValues(deviceID).Observe(duration.Seconds())
}

// RecordDetection counts a reported detection
func RecordDetection(deviceID string, r models.DetectionResult) {
	DetectionsTotal.WithLabelValues(deviceID, string(r.Type), r.Severity.String()).Inc()
}

// RecordStatus mirrors a device status snapshot into gauges
func RecordStatus(s models.DeviceStatus) {
	var v float64
	switch s.Connectivity {
	case models.ConnectivityDegraded:
		v = 1
	case models.ConnectivityOffline:
		v = 2
	}
	DeviceConnectivity.WithLabelValues(s.DeviceID).Set(v)
	ConsecutiveFailures.WithLabelValues(s.DeviceID).Set(float64(s.ConsecutiveFailures))
	ActiveBlocks.WithLabelValues(s.DeviceID).Set(float64(s.ActiveBlocks))
}

// ForgetDevice drops the per-device gauges of a removed device
func ForgetDevice(deviceID string) {
	DeviceConnectivity.DeleteLabelValues(deviceID)
	ConsecutiveFailures.DeleteLabelValues(deviceID)
	ActiveBlocks.DeleteLabelValues(deviceID)
	PendingRemovals.DeleteLabelValues(deviceID)
	CircuitBreakerState.DeleteLabelValues(deviceID)
}
