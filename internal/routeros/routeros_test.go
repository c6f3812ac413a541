package routeros

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"routerguard/internal/device"
	"routerguard/internal/models"
)

// fakeRouter is a minimal RouterOS REST API
type fakeRouter struct {
	mu          sync.Mutex
	password    string
	rules       []filterRule
	conns       []connection
	entries     map[string]addressListEntry
	nextID      int
	requests    int
	failStatus  int
	connsRaw    string
	lastMethods []string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{password: "secret", entries: make(map[string]addressListEntry)}
}

func (f *fakeRouter) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/system/resource", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, systemResource{Version: "7.14", BoardName: "CCR2004"})
	})
	mux.HandleFunc("GET /rest/ip/firewall/filter", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, f.rules)
	})
	mux.HandleFunc("GET /rest/ip/firewall/connection", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.connsRaw != "" {
			w.Write([]byte(f.connsRaw))
			return
		}
		writeJSON(w, f.conns)
	})
	mux.HandleFunc("GET /rest/ip/firewall/address-list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		list, address := r.URL.Query().Get("list"), r.URL.Query().Get("address")
		out := []addressListEntry{}
		for _, e := range f.entries {
			if (list == "" || e.List == list) && (address == "" || e.Address == address) {
				out = append(out, e)
			}
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("PUT /rest/ip/firewall/address-list", func(w http.ResponseWriter, r *http.Request) {
		var e addressListEntry
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, APIError{Status: 400, Message: "Bad Request"})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.nextID++
		e.ID = "*" + strconv.Itoa(f.nextID)
		f.entries[e.ID] = e
		writeJSON(w, e)
	})
	mux.HandleFunc("PATCH /rest/ip/firewall/address-list/{id}", func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]string
		json.NewDecoder(r.Body).Decode(&patch)
		f.mu.Lock()
		defer f.mu.Unlock()
		e, ok := f.entries[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, APIError{Status: 404, Message: "Not Found"})
			return
		}
		e.Timeout = patch["timeout"]
		e.Comment = patch["comment"]
		f.entries[e.ID] = e
		writeJSON(w, e)
	})
	mux.HandleFunc("DELETE /rest/ip/firewall/address-list/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.entries[r.PathValue("id")]; !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, APIError{Status: 404, Message: "Not Found"})
			return
		}
		delete(f.entries, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests++
		f.lastMethods = append(f.lastMethods, r.Method)
		fail := f.failStatus
		f.mu.Unlock()

		if fail != 0 {
			w.WriteHeader(fail)
			writeJSON(w, APIError{Status: fail, Message: http.StatusText(fail)})
			return
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "api" || pass != f.password {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, APIError{Status: 401, Message: "Unauthorized"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (f *fakeRouter) entryFor(addr string) (addressListEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Address == addr {
			return e, true
		}
	}
	return addressListEntry{}, false
}

func (f *fakeRouter) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func configFor(t *testing.T, server *httptest.Server) models.DeviceConfig {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return models.DeviceConfig{
		ID:                 "edge-1",
		Host:               host,
		Port:               port,
		UseTLS:             u.Scheme == "https",
		InsecureSkipVerify: true,
		Username:           "api",
		CredentialsRef:     "secret",
		CallTimeout:        2 * time.Second,
		AddressList:        "ddos_blocklist",
	}
}

func connect(t *testing.T, client *Client, cfg models.DeviceConfig) device.Session {
	t.Helper()
	sess, err := client.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// TestFetchCounters tests counter summing and connection table aggregation
func TestFetchCounters(t *testing.T) {
	router := newFakeRouter()
	router.rules = []filterRule{
		{ID: "*1", Comment: "routerguard:syn", Packets: "1500"},
		{ID: "*2", Comment: "routerguard:udp", Packets: "300"},
		{ID: "*3", Comment: "routerguard: icmp", Packets: "12"},
		{ID: "*4", Comment: "routerguard:new-conn", Packets: "800"},
		{ID: "*5", Comment: "routerguard:new-conn", Packets: "200"},
		{ID: "*6", Comment: "defconf: drop invalid", Packets: "99999"},
	}
	router.conns = []connection{
		{SrcAddress: "203.0.113.9:40000", DstAddress: "192.0.2.10:22", Protocol: "tcp", TCPState: "syn-received"},
		{SrcAddress: "203.0.113.9:40001", DstAddress: "192.0.2.10:23", Protocol: "tcp", TCPState: "syn-received"},
		{SrcAddress: "203.0.113.9:40002", DstAddress: "192.0.2.10:80", Protocol: "tcp", TCPState: "established"},
		{SrcAddress: "198.51.100.4:5353", DstAddress: "192.0.2.10:53", Protocol: "udp"},
		{SrcAddress: "198.51.100.4", DstAddress: "192.0.2.10", Protocol: "icmp"},
	}
	server := httptest.NewServer(router.handler())
	defer server.Close()

	sess := connect(t, NewClient(BreakerSettings{}), configFor(t, server))
	sample, err := sess.FetchCounters(context.Background())
	if err != nil {
		t.Fatalf("Failed to fetch counters: %v", err)
	}

	if sample.SYNPackets != 1500 || sample.UDPPackets != 300 || sample.ICMPPackets != 12 {
		t.Errorf("Unexpected packet counters: %+v", sample)
	}
	if sample.NewConnections != 1000 {
		t.Errorf("Expected new connection counters summed to 1000, got %d", sample.NewConnections)
	}
	if sample.TotalConnections != 5 {
		t.Errorf("Expected 5 connections, got %d", sample.TotalConnections)
	}
	if len(sample.Sources) != 2 {
		t.Fatalf("Expected 2 sources, got %d", len(sample.Sources))
	}

	other, scanner := sample.Sources[0], sample.Sources[1]
	if scanner.Address != netip.MustParseAddr("203.0.113.9") {
		t.Fatalf("Expected sources ordered by address, got %v", sample.Sources)
	}
	if scanner.Connections != 3 || scanner.HalfOpen != 2 || scanner.DistinctPorts != 3 {
		t.Errorf("Unexpected scanner stats: %+v", scanner)
	}
	if other.UDPFlows != 1 || other.ICMPFlows != 1 || other.DistinctPorts != 1 {
		t.Errorf("Unexpected stats for 198.51.100.4: %+v", other)
	}
}

// TestConnectTLS tests connecting over HTTPS with a self-signed certificate
func TestConnectTLS(t *testing.T) {
	server := httptest.NewTLSServer(newFakeRouter().handler())
	defer server.Close()

	cfg := configFor(t, server)
	if !cfg.UseTLS {
		t.Fatal("Expected TLS config")
	}
	connect(t, NewClient(BreakerSettings{}), cfg)
}

// TestConnectAuthFailure tests that rejected credentials are a connection error
func TestConnectAuthFailure(t *testing.T) {
	server := httptest.NewServer(newFakeRouter().handler())
	defer server.Close()

	cfg := configFor(t, server)
	cfg.CredentialsRef = "wrong"
	_, err := NewClient(BreakerSettings{}).Connect(context.Background(), cfg)
	if !device.IsConnectionError(err) {
		t.Errorf("Expected connection error, got %v", err)
	}
}

// TestProtocolError tests that a malformed response is a protocol error
func TestProtocolError(t *testing.T) {
	router := newFakeRouter()
	router.connsRaw = `{"not": "a list"`
	server := httptest.NewServer(router.handler())
	defer server.Close()

	sess := connect(t, NewClient(BreakerSettings{}), configFor(t, server))
	_, err := sess.FetchCounters(context.Background())
	if !device.IsProtocolError(err) {
		t.Errorf("Expected protocol error, got %v", err)
	}
}

// TestAddressList tests adding, refreshing, listing and removing blocks
func TestAddressList(t *testing.T) {
	router := newFakeRouter()
	server := httptest.NewServer(router.handler())
	defer server.Close()

	sess := connect(t, NewClient(BreakerSettings{}), configFor(t, server))
	ctx := context.Background()
	addr := netip.MustParseAddr("203.0.113.50")

	if err := sess.AddBlock(ctx, addr, 4*time.Hour, "routerguard: connection flood"); err != nil {
		t.Fatalf("Failed to add block: %v", err)
	}
	e, ok := router.entryFor("203.0.113.50")
	if !ok || e.Timeout != "4h" || e.List != "ddos_blocklist" {
		t.Fatalf("Unexpected address list entry: %+v", e)
	}

	if err := sess.AddBlock(ctx, addr, 90*time.Minute+30*time.Second, "routerguard: extended"); err != nil {
		t.Fatalf("Failed to refresh block: %v", err)
	}
	e, _ = router.entryFor("203.0.113.50")
	if e.Timeout != "1h30m30s" || e.Comment != "routerguard: extended" {
		t.Errorf("Expected refreshed entry, got %+v", e)
	}

	lister, ok := sess.(device.BlockLister)
	if !ok {
		t.Fatal("Expected session to list blocks")
	}
	blocks, err := lister.ListBlocks(ctx)
	if err != nil {
		t.Fatalf("Failed to list blocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0] != addr {
		t.Errorf("Expected [%s], got %v", addr, blocks)
	}

	if err := sess.RemoveBlock(ctx, addr); err != nil {
		t.Fatalf("Failed to remove block: %v", err)
	}
	if _, ok := router.entryFor("203.0.113.50"); ok {
		t.Error("Expected entry removed")
	}
	if err := sess.RemoveBlock(ctx, addr); err != nil {
		t.Errorf("Expected removing a missing entry to succeed, got %v", err)
	}
}

// TestIndefiniteBlock tests that a zero duration yields an entry without timeout
func TestIndefiniteBlock(t *testing.T) {
	router := newFakeRouter()
	server := httptest.NewServer(router.handler())
	defer server.Close()

	sess := connect(t, NewClient(BreakerSettings{}), configFor(t, server))
	addr := netip.MustParseAddr("203.0.113.51")

	if err := sess.AddBlock(context.Background(), addr, time.Hour, "routerguard: auto"); err != nil {
		t.Fatalf("Failed to add block: %v", err)
	}
	if err := sess.AddBlock(context.Background(), addr, 0, "routerguard: manual"); err != nil {
		t.Fatalf("Failed to make block permanent: %v", err)
	}
	e, ok := router.entryFor("203.0.113.51")
	if !ok || e.Timeout != "" {
		t.Errorf("Expected entry without timeout, got %+v", e)
	}
}

// TestCircuitBreaker tests that repeated server failures open the breaker
func TestCircuitBreaker(t *testing.T) {
	router := newFakeRouter()
	server := httptest.NewServer(router.handler())
	defer server.Close()

	client := NewClient(BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: time.Minute})
	sess := connect(t, client, configFor(t, server))

	router.mu.Lock()
	router.failStatus = http.StatusServiceUnavailable
	router.mu.Unlock()

	for i := 0; i < 3; i++ {
		if _, err := sess.FetchCounters(context.Background()); !device.IsConnectionError(err) {
			t.Fatalf("Expected connection error on attempt %d, got %v", i, err)
		}
	}

	before := router.requestCount()
	_, err := sess.FetchCounters(context.Background())
	if !errors.Is(err, gobreaker.ErrOpenState) || !device.IsConnectionError(err) {
		t.Errorf("Expected open breaker connection error, got %v", err)
	}
	if router.requestCount() != before {
		t.Error("Expected no request to reach the device while the breaker is open")
	}

	// The breaker is per device and survives reconnects
	if _, err := client.Connect(context.Background(), configFor(t, server)); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Expected reconnect to hit the open breaker, got %v", err)
	}
}

// TestForget tests that a removed device leaves no breaker behind
func TestForget(t *testing.T) {
	router := newFakeRouter()
	server := httptest.NewServer(router.handler())
	defer server.Close()

	client := NewClient(BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: time.Hour})
	cfg := configFor(t, server)
	sess := connect(t, client, cfg)

	router.mu.Lock()
	router.failStatus = http.StatusServiceUnavailable
	router.mu.Unlock()
	if _, err := sess.FetchCounters(context.Background()); !device.IsConnectionError(err) {
		t.Fatalf("Expected connection error, got %v", err)
	}
	router.mu.Lock()
	router.failStatus = 0
	router.mu.Unlock()

	client.Forget(cfg.ID)

	client.mu.Lock()
	n := len(client.breakers)
	client.mu.Unlock()
	if n != 0 {
		t.Errorf("Expected no breakers after Forget, got %d", n)
	}

	// A device re-added under the same ID starts with a closed breaker
	if _, err := client.Connect(context.Background(), cfg); err != nil {
		t.Errorf("Expected connect with a fresh breaker, got %v", err)
	}
}

// TestClosedSession tests that calls after Close fail
func TestClosedSession(t *testing.T) {
	server := httptest.NewServer(newFakeRouter().handler())
	defer server.Close()

	sess := connect(t, NewClient(BreakerSettings{}), configFor(t, server))
	if err := sess.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := sess.FetchCounters(context.Background()); !device.IsConnectionError(err) {
		t.Errorf("Expected connection error after close, got %v", err)
	}
}

// TestFormatTimeout tests RouterOS time notation
func TestFormatTimeout(t *testing.T) {
	cases := map[time.Duration]string{
		4 * time.Hour:                       "4h",
		30 * time.Minute:                    "30m",
		26*time.Hour + 5*time.Second:        "1d2h5s",
		8 * 24 * time.Hour:                  "1w1d",
		200 * time.Millisecond:              "1s",
		time.Minute + 1500*time.Millisecond: "1m2s",
	}
	for d, want := range cases {
		if got := formatTimeout(d); got != want {
			t.Errorf("formatTimeout(%v) = %q, want %q", d, got, want)
		}
	}
}

// TestResolveCredentials tests env, file and literal references
func TestResolveCredentials(t *testing.T) {
	t.Setenv("ROUTERGUARD_TEST_PASSWORD", "from-env")
	if got, err := ResolveCredentials("env:ROUTERGUARD_TEST_PASSWORD"); err != nil || got != "from-env" {
		t.Errorf("Expected from-env, got %q (%v)", got, err)
	}
	if _, err := ResolveCredentials("env:ROUTERGUARD_TEST_MISSING"); err == nil {
		t.Error("Expected error for unset variable")
	}

	path := filepath.Join(t.TempDir(), "password")
	if err := os.WriteFile(path, []byte("from-file\n"), 0600); err != nil {
		t.Fatalf("Failed to write password file: %v", err)
	}
	if got, err := ResolveCredentials("file:" + path); err != nil || got != "from-file" {
		t.Errorf("Expected from-file, got %q (%v)", got, err)
	}

	if got, _ := ResolveCredentials("plain"); got != "plain" {
		t.Errorf("Expected literal password, got %q", got)
	}
	if _, err := ResolveCredentials(""); err == nil {
		t.Error("Expected error for empty reference")
	}
}
