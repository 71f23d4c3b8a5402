package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Prometheus metrics for capture monitoring
var (
	// Datagrams accepted by the receive loop (right size)
	PromRxPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdaa_rx_packets_total",
		Help: "Total received datagrams with the expected record size",
	})
	// Placeholders synthesized for sequence gaps
	PromPlaceholders = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdaa_placeholders_total",
		Help: "Total placeholder records synthesized for dropped datagrams",
	})
	// Datagrams discarded because of their size
	PromMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdaa_malformed_packets_total",
		Help: "Total datagrams discarded due to size mismatch",
	})
	// Sessions started by a zero counter
	PromSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdaa_sessions_total",
		Help: "Total sessions started by a zero sequence counter",
	})
	// Records waiting between receiver and sink
	PromQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sdaa_queue_depth",
		Help: "Records in flight between receiver and sink",
	})
	// Records handed to the sink
	PromWrittenRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdaa_written_records_total",
		Help: "Total records written by the sink",
	})
	// Bytes handed to the sink
	PromWrittenBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdaa_written_bytes_total",
		Help: "Total bytes written by the sink",
	})
	// Output files opened
	PromSegments = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdaa_segments_total",
		Help: "Total output file segments created",
	})
	// Packets sent by emit
	PromTxPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdaa_tx_packets_total",
		Help: "Total transmitted packets",
	})
	// Packets deliberately skipped by emit
	PromTxSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdaa_tx_skipped_total",
		Help: "Total packets skipped by loss injection",
	})
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(PromRxPackets, PromPlaceholders, PromMalformed, PromSessions, PromQueueDepth,
			PromWrittenRecords, PromWrittenBytes, PromSegments, PromTxPackets, PromTxSkipped)
	})
}

// Server is the HTTP server for Prometheus metrics.
type Server struct {
	addr   string
	path   string
	server *http.Server
}

// StartPrometheus registers the metrics and serves them on addr.
func StartPrometheus(addr, path string) *Server {
	Register()
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	s := &Server{
		addr: addr,
		path: path,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}

	go func() {
		logrus.Infof("prometheus: listening on %s%s", addr, path)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("prometheus serve error: %v", err)
		}
	}()
	return s
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}
