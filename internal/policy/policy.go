// Package policy maps traffic samples to attack classifications.
//
// Everything here is pure: the same pair of samples and configuration always
// produce the same results, so a worker can replay a cycle after a failure
// without changing its decisions.
package policy

import (
	"net/netip"
	"sort"

	"routerguard/internal/models"
)

// Metric names reported in detection results
const (
	MetricSYNRate       = "syn_packets_per_second"
	MetricUDPRate       = "udp_packets_per_second"
	MetricICMPRate      = "icmp_packets_per_second"
	MetricNewConnRate   = "new_connections_per_second"
	MetricConnections   = "total_connections"
	MetricDistinctPorts = "distinct_destination_ports"
)

// Classify returns the single winning detection for a sample pair, or a none result.
// Without a previous sample no rate can be computed and the result is always none.
func Classify(sample models.TrafficSample, previous *models.TrafficSample, cfg models.DeviceConfig) models.DetectionResult {
	results := Detect(sample, previous, cfg)
	if len(results) == 0 {
		return models.NoDetection(sample.Timestamp)
	}
	best := results[0]
	for _, r := range results[1:] {
		if Outranks(r, best) {
			best = r
		}
	}
	return best
}

// Detect returns at most one result per attack type, each at the highest band it reaches.
// Results are ordered by attack type priority.
func Detect(sample models.TrafficSample, previous *models.TrafficSample, cfg models.DeviceConfig) []models.DetectionResult {
	if previous == nil {
		return nil
	}
	elapsed := sample.Timestamp.Sub(previous.Timestamp).Seconds()
	if elapsed <= 0 {
		return nil
	}

	th := cfg.Thresholds
	bands := cfg.Multipliers
	var results []models.DetectionResult

	add := func(t models.AttackType, metric string, value, threshold float64, source func(models.SourceStats) int64) {
		sev := bands.Band(value, threshold)
		if sev == models.SeverityNone {
			return
		}
		results = append(results, models.DetectionResult{
			Type:      t,
			Severity:  sev,
			Source:    topSource(sample.Sources, source),
			Metric:    metric,
			Value:     value,
			Threshold: threshold,
			Timestamp: sample.Timestamp,
		})
	}

	add(models.AttackSYNFlood, MetricSYNRate,
		counterRate(sample.SYNPackets, previous.SYNPackets, elapsed), th.SYNRate,
		func(s models.SourceStats) int64 { return s.HalfOpen })

	add(models.AttackUDPFlood, MetricUDPRate,
		counterRate(sample.UDPPackets, previous.UDPPackets, elapsed), th.UDPRate,
		func(s models.SourceStats) int64 { return s.UDPFlows })

	add(models.AttackICMPFlood, MetricICMPRate,
		counterRate(sample.ICMPPackets, previous.ICMPPackets, elapsed), th.ICMPRate,
		func(s models.SourceStats) int64 { return s.ICMPFlows })

	// Connection flood qualifies on either the new-connection rate or the
	// concurrent connection gauge; the higher band is reported.
	connRate := counterRate(sample.NewConnections, previous.NewConnections, elapsed)
	rateSev := bands.Band(connRate, th.NewConnRate)
	gaugeSev := bands.Band(float64(sample.TotalConnections), th.MaxConnections)
	conns := func(s models.SourceStats) int64 { return s.Connections }
	if gaugeSev > rateSev {
		add(models.AttackConnectionFlood, MetricConnections, float64(sample.TotalConnections), th.MaxConnections, conns)
	} else {
		add(models.AttackConnectionFlood, MetricNewConnRate, connRate, th.NewConnRate, conns)
	}

	ports := func(s models.SourceStats) int64 { return s.DistinctPorts }
	scanner := topSource(sample.Sources, ports)
	var maxPorts int64
	for _, s := range sample.Sources {
		if s.Address == scanner {
			maxPorts = s.DistinctPorts
			break
		}
	}
	add(models.AttackPortScan, MetricDistinctPorts, float64(maxPorts), th.PortScanPorts, ports)

	return results
}

// Outranks reports whether a should win over b: higher severity first, then type priority.
func Outranks(a, b models.DetectionResult) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	return a.Type.Priority() < b.Type.Priority()
}

// Resolve keeps the winning result per source address. Unattributed results are
// collapsed into a single entry. The output is sorted by rank, strongest first.
func Resolve(results []models.DetectionResult) []models.DetectionResult {
	winners := make(map[string]models.DetectionResult, len(results))
	for _, r := range results {
		if !r.IsAttack() {
			continue
		}
		key := ""
		if r.Source.IsValid() {
			key = r.Source.String()
		}
		if cur, ok := winners[key]; !ok || Outranks(r, cur) {
			winners[key] = r
		}
	}

	out := make([]models.DetectionResult, 0, len(winners))
	for _, r := range winners {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if Outranks(out[i], out[j]) {
			return true
		}
		if Outranks(out[j], out[i]) {
			return false
		}
		return out[i].Source.Less(out[j].Source)
	})
	return out
}

// counterRate returns the per-second delta of a cumulative counter.
// A counter that went backwards was reset on the device and contributes nothing.
func counterRate(cur, prev uint64, elapsed float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / elapsed
}

// topSource picks the source with the largest positive contribution.
// Ties go to the lowest address so attribution is stable across cycles.
func topSource(sources []models.SourceStats, weight func(models.SourceStats) int64) (addr netip.Addr) {
	var best int64
	for _, s := range sources {
		w := weight(s)
		if w <= 0 || !s.Address.IsValid() {
			continue
		}
		if w > best || (w == best && s.Address.Less(addr)) {
			best = w
			addr = s.Address
		}
	}
	return addr
}
