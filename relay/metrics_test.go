// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/tallow/lib/testutil"
)

func TestCollectorReportsServerCounters(t *testing.T) {
	server := startServer(t, nil)
	if err := NewClient(testLogger()).Probe(context.Background(), server.Addr().String()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	credential := newIssuer(t, testSecret, nil).Issue(NewToken(), time.Minute)
	a, b := pair(t, server, credential)
	if _, err := a.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	buffer := make([]byte, 1)
	if _, err := io.ReadFull(b, buffer); err != nil {
		t.Fatal(err)
	}

	expected := `
# HELP tallow_relay_connections_accepted_total Connections accepted by the listener.
# TYPE tallow_relay_connections_accepted_total counter
tallow_relay_connections_accepted_total 3
# HELP tallow_relay_sessions_active Sessions currently being bridged.
# TYPE tallow_relay_sessions_active gauge
tallow_relay_sessions_active 1
# HELP tallow_relay_sessions_paired_total Sessions bridged between two clients.
# TYPE tallow_relay_sessions_paired_total counter
tallow_relay_sessions_paired_total 1
`
	err := promtestutil.CollectAndCompare(NewCollector(server), strings.NewReader(expected),
		"tallow_relay_connections_accepted_total",
		"tallow_relay_sessions_active",
		"tallow_relay_sessions_paired_total",
	)
	if err != nil {
		t.Error(err)
	}
	if count := promtestutil.CollectAndCount(NewCollector(server)); count != 7 {
		t.Errorf("collector exported %d metrics, want 7", count)
	}
}

func TestMetricsHandler(t *testing.T) {
	server := startServer(t, nil)
	web := httptest.NewServer(MetricsHandler(server))
	defer web.Close()

	response, err := http.Get(web.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", response.StatusCode)
	}
	for _, name := range []string{"tallow_relay_bytes_relayed_total", "tallow_relay_clients_waiting", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("/metrics lacks %s", name)
		}
	}

	health := getHealth(t, web.URL, http.StatusOK)
	if health.Status != "ok" || health.Active != 0 {
		t.Errorf("health = %+v", health)
	}

	server.Stop()
	if health := getHealth(t, web.URL, http.StatusServiceUnavailable); health.Status != "stopped" {
		t.Errorf("health after Stop = %+v", health)
	}

	response, err = http.Post(web.URL+"/health", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /health status = %d", response.StatusCode)
	}
}

func getHealth(t *testing.T, base string, wantStatus int) Health {
	t.Helper()
	response, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	if response.StatusCode != wantStatus {
		t.Fatalf("/health status = %d, want %d", response.StatusCode, wantStatus)
	}
	var health Health
	if err := json.NewDecoder(response.Body).Decode(&health); err != nil {
		t.Fatalf("decoding /health: %v", err)
	}
	return health
}

func TestMetricsServerServesUntilCancelled(t *testing.T) {
	server := startServer(t, nil)
	metrics := NewMetricsServer("127.0.0.1:0", server, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- metrics.Serve(ctx) }()
	testutil.RequireClosed(t, metrics.Ready(), 5*time.Second, "metrics listener")

	health := getHealth(t, "http://"+metrics.Addr().String(), http.StatusOK)
	if health.Status != "ok" {
		t.Errorf("health = %+v", health)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 10*time.Second, "metrics shutdown"); err != nil {
		t.Errorf("Serve = %v", err)
	}
}
