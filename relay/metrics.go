// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "tallow_relay"

// Collector exports a server's counters to Prometheus. Values are read
// from Stats at scrape time.
type Collector struct {
	server *Server

	accepted *prometheus.Desc
	refused  *prometheus.Desc
	paired   *prometheus.Desc
	active   *prometheus.Desc
	waiting  *prometheus.Desc
	relayed  *prometheus.Desc
	uptime   *prometheus.Desc
}

// NewCollector describes the metrics for server.
func NewCollector(server *Server) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil)
	}
	return &Collector{
		server:   server,
		accepted: desc("connections_accepted_total", "Connections accepted by the listener."),
		refused:  desc("connections_refused_total", "Connections refused before pairing."),
		paired:   desc("sessions_paired_total", "Sessions bridged between two clients."),
		active:   desc("sessions_active", "Sessions currently being bridged."),
		waiting:  desc("clients_waiting", "Clients waiting for their peer."),
		relayed:  desc("bytes_relayed_total", "Payload bytes forwarded over finished sessions."),
		uptime:   desc("uptime_seconds", "Seconds since the relay started."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.accepted
	ch <- c.refused
	ch <- c.paired
	ch <- c.active
	ch <- c.waiting
	ch <- c.relayed
	ch <- c.uptime
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.server.Stats()
	ch <- prometheus.MustNewConstMetric(c.accepted, prometheus.CounterValue, float64(stats.Accepted))
	ch <- prometheus.MustNewConstMetric(c.refused, prometheus.CounterValue, float64(stats.Refused))
	ch <- prometheus.MustNewConstMetric(c.paired, prometheus.CounterValue, float64(stats.Paired))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(stats.Active))
	ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(stats.Waiting))
	ch <- prometheus.MustNewConstMetric(c.relayed, prometheus.CounterValue, float64(stats.BytesRelayed))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, c.server.Uptime().Seconds())
}

// Health is the body of GET /health.
type Health struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Active        int64   `json:"active"`
	Waiting       int     `json:"waiting"`
}

// MetricsHandler serves GET /metrics in the Prometheus text format and
// GET /health as JSON. /health answers 503 once the relay has stopped.
func MetricsHandler(server *Server) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewCollector(server),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		stats := server.Stats()
		health := Health{
			Status:        "ok",
			UptimeSeconds: server.Uptime().Seconds(),
			Active:        stats.Active,
			Waiting:       stats.Waiting,
		}
		status := http.StatusOK
		if !server.Running() {
			health.Status = "stopped"
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(health)
	})
	return mux
}

// MetricsServer exposes MetricsHandler on its own listener.
type MetricsServer struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	ready chan struct{}
	addr  net.Addr
}

// NewMetricsServer prepares a listener on address for server's metrics.
func NewMetricsServer(address string, server *Server, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MetricsServer{
		address: address,
		handler: MetricsHandler(server),
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (m *MetricsServer) Ready() <-chan struct{} { return m.ready }

// Addr is the bound address. Valid after Ready is closed.
func (m *MetricsServer) Addr() net.Addr { return m.addr }

// Serve blocks until ctx is cancelled, then shuts down gracefully.
func (m *MetricsServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.address)
	if err != nil {
		return fmt.Errorf("relay: metrics listen on %s: %w", m.address, err)
	}
	m.addr = listener.Addr()
	close(m.ready)

	server := &http.Server{
		Handler:           m.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	m.logger.Info("metrics listening", "address", m.addr.String())

	served := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			served <- err
		}
		close(served)
	}()

	select {
	case <-ctx.Done():
	case err := <-served:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay: metrics shutdown: %w", err)
	}
	return nil
}
