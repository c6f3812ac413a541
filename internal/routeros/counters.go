package routeros

import (
	"context"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"routerguard/internal/device"
	"routerguard/internal/models"
)

// Counter names expected after CommentPrefix on firewall filter rules
const (
	CounterSYN     = "syn"
	CounterUDP     = "udp"
	CounterICMP    = "icmp"
	CounterNewConn = "new-conn"
)

type filterRule struct {
	ID      string `json:".id"`
	Comment string `json:"comment"`
	Packets string `json:"packets"`
}

type connection struct {
	SrcAddress string `json:"src-address"`
	DstAddress string `json:"dst-address"`
	Protocol   string `json:"protocol"`
	TCPState   string `json:"tcp-state"`
}

// FetchCounters reads the tagged filter rule counters and aggregates the
// connection table per source address.
func (s *session) FetchCounters(ctx context.Context) (models.TrafficSample, error) {
	var rules []filterRule
	if err := s.get(ctx, "fetch_counters", "/ip/firewall/filter?.proplist=.id,comment,packets", &rules); err != nil {
		return models.TrafficSample{}, err
	}

	var conns []connection
	if err := s.get(ctx, "fetch_connections", "/ip/firewall/connection?.proplist=src-address,dst-address,protocol,tcp-state", &conns); err != nil {
		return models.TrafficSample{}, err
	}

	sample := models.TrafficSample{
		DeviceID:  s.deviceID,
		Timestamp: time.Now(),
	}
	if err := sumCounters(rules, &sample); err != nil {
		return models.TrafficSample{}, &device.ProtocolError{Device: s.deviceID, Op: "fetch_counters", Err: err}
	}
	sample.TotalConnections, sample.Sources = aggregateConnections(conns)
	return sample, nil
}

func sumCounters(rules []filterRule, sample *models.TrafficSample) error {
	for _, r := range rules {
		name, ok := strings.CutPrefix(strings.TrimSpace(r.Comment), CommentPrefix)
		if !ok {
			continue
		}
		var target *uint64
		switch strings.TrimSpace(name) {
		case CounterSYN:
			target = &sample.SYNPackets
		case CounterUDP:
			target = &sample.UDPPackets
		case CounterICMP:
			target = &sample.ICMPPackets
		case CounterNewConn:
			target = &sample.NewConnections
		default:
			continue
		}
		if r.Packets == "" {
			continue
		}
		n, err := strconv.ParseUint(r.Packets, 10, 64)
		if err != nil {
			return err
		}
		*target += n
	}
	return nil
}

// aggregateConnections returns the table size and per-source statistics ordered by address
func aggregateConnections(conns []connection) (int64, []models.SourceStats) {
	stats := make(map[netip.Addr]*models.SourceStats)
	ports := make(map[netip.Addr]map[uint16]struct{})

	for _, c := range conns {
		src, _, ok := splitEndpoint(c.SrcAddress)
		if !ok {
			continue
		}
		st, found := stats[src]
		if !found {
			st = &models.SourceStats{Address: src}
			stats[src] = st
			ports[src] = make(map[uint16]struct{})
		}
		st.Connections++

		switch strings.ToLower(c.Protocol) {
		case "tcp":
			if c.TCPState == "syn-sent" || c.TCPState == "syn-received" {
				st.HalfOpen++
			}
		case "udp":
			st.UDPFlows++
		case "icmp":
			st.ICMPFlows++
		}

		if _, port, ok := splitEndpoint(c.DstAddress); ok && port != 0 {
			ports[src][port] = struct{}{}
		}
	}

	out := make([]models.SourceStats, 0, len(stats))
	for addr, st := range stats {
		st.DistinctPorts = int64(len(ports[addr]))
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return int64(len(conns)), out
}

// splitEndpoint parses "addr:port" or a bare address
func splitEndpoint(s string) (netip.Addr, uint16, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), ap.Port(), true
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap(), 0, true
	}
	return netip.Addr{}, 0, false
}
