// Package models defines the data structures shared by the routerguard packages:
// traffic samples, detection results, block entries and device status snapshots.
package models

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// AttackType identifies a detected attack pattern
type AttackType string

const (
	AttackNone            AttackType = "none"
	AttackSYNFlood        AttackType = "syn_flood"
	AttackUDPFlood        AttackType = "udp_flood"
	AttackICMPFlood       AttackType = "icmp_flood"
	AttackConnectionFlood AttackType = "connection_flood"
	AttackPortScan        AttackType = "port_scan"
)

// AttackTypes lists the detectable attack types in tie-break priority order.
var AttackTypes = []AttackType{
	AttackSYNFlood,
	AttackUDPFlood,
	AttackICMPFlood,
	AttackConnectionFlood,
	AttackPortScan,
}

// Priority returns the tie-break rank of an attack type, lower wins.
func (a AttackType) Priority() int {
	for i, t := range AttackTypes {
		if t == a {
			return i
		}
	}
	return len(AttackTypes)
}

// Severity is a discrete band derived from how far a metric exceeds its threshold
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity converts a severity name into a Severity
func ParseSeverity(name string) (Severity, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for s, sn := range severityNames {
		if sn == n {
			return s, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SourceStats holds per-source counters taken from the device connection table
type SourceStats struct {
	Address       netip.Addr `json:"address"`
	Connections   int64      `json:"connections"`
	HalfOpen      int64      `json:"halfOpen"`
	UDPFlows      int64      `json:"udpFlows"`
	ICMPFlows     int64      `json:"icmpFlows"`
	DistinctPorts int64      `json:"distinctPorts"`
}

// TrafficSample is a single poll's counters for one device.
// TotalConnections is a gauge; the packet and new-connection counters are cumulative.
type TrafficSample struct {
	DeviceID         string        `json:"deviceId"`
	Timestamp        time.Time     `json:"timestamp"`
	TotalConnections int64         `json:"totalConnections"`
	NewConnections   uint64        `json:"newConnections"`
	SYNPackets       uint64        `json:"synPackets"`
	UDPPackets       uint64        `json:"udpPackets"`
	ICMPPackets      uint64        `json:"icmpPackets"`
	Sources          []SourceStats `json:"sources,omitempty"`
}

// DetectionResult is the classification of one sample pair for one attack type
type DetectionResult struct {
	Type      AttackType `json:"type"`
	Severity  Severity   `json:"severity"`
	Source    netip.Addr `json:"source"`
	Metric    string     `json:"metric,omitempty"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
}

// IsAttack reports whether the result describes an attack
func (r DetectionResult) IsAttack() bool {
	return r.Type != AttackNone && r.Type != "" && r.Severity > SeverityNone
}

// Attributable reports whether the result names an offending source
func (r DetectionResult) Attributable() bool {
	return r.Source.IsValid()
}

// Reason renders a short human readable description used for block entries and events
func (r DetectionResult) Reason() string {
	return fmt.Sprintf("%s %s: %s %.1f >= %.1f", r.Severity, r.Type, r.Metric, r.Value, r.Threshold)
}

// NoDetection returns the empty result for a timestamp
func NoDetection(at time.Time) DetectionResult {
	return DetectionResult{Type: AttackNone, Severity: SeverityNone, Timestamp: at}
}

// Event is a persisted detection result
type Event struct {
	ID       string          `json:"id"`
	DeviceID string          `json:"deviceId"`
	Result   DetectionResult `json:"result"`
}

// BlockStatus is the lifecycle state of a block entry
type BlockStatus string

const (
	BlockActive  BlockStatus = "active"
	BlockExpired BlockStatus = "expired"
	BlockRemoved BlockStatus = "removed"
)

// BlockOrigin records who requested a block
type BlockOrigin string

const (
	OriginAuto   BlockOrigin = "auto"
	OriginManual BlockOrigin = "manual"
)

// BlockEntry records a denied source address on a device
type BlockEntry struct {
	ID        string      `json:"id"`
	DeviceID  string      `json:"deviceId"`
	Address   netip.Addr  `json:"address"`
	Reason    string      `json:"reason"`
	Severity  Severity    `json:"severity"`
	Origin    BlockOrigin `json:"origin"`
	CreatedAt time.Time   `json:"createdAt"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
	Status    BlockStatus `json:"status"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Expired reports whether the entry is past its expiry at now.
// Entries without expiry never expire.
func (b BlockEntry) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// WorkerState is the state of a device worker's state machine
type WorkerState string

const (
	StateConnecting WorkerState = "connecting"
	StatePolling    WorkerState = "polling"
	StateDegraded   WorkerState = "degraded"
	StateStopped    WorkerState = "stopped"
	StateDisabled   WorkerState = "disabled"
)

// Connectivity is the reported reachability of a device
type Connectivity string

const (
	ConnectivityOnline   Connectivity = "online"
	ConnectivityDegraded Connectivity = "degraded"
	ConnectivityOffline  Connectivity = "offline"
)

// DeviceStatus is a snapshot of a device worker's health
type DeviceStatus struct {
	DeviceID            string       `json:"deviceId"`
	Name                string       `json:"name"`
	State               WorkerState  `json:"state"`
	Connectivity        Connectivity `json:"connectivity"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastSuccess         *time.Time   `json:"lastSuccess,omitempty"`
	LastPoll            *time.Time   `json:"lastPoll,omitempty"`
	LastError           string       `json:"lastError,omitempty"`
	ActiveBlocks        int          `json:"activeBlocks"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}
