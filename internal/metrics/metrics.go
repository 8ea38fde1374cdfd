// ============================================================================
// AUTOMIC Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose operator session activity for Prometheus
//
// Metrics:
//
//   1. Counters:
//      - automic_moves_total{outcome}            success|failed|invalid|rejected
//      - automic_calibrations_total{outcome}     success|failed|invalid|rejected
//      - automic_connect_attempts_total{result}  connected|failed
//      - automic_emergency_stops_total{result}   acknowledged|failed
//      - automic_log_entries_total{level}        info|warning|error
//
//   2. Histogram:
//      - automic_move_duration_seconds: time from Moving to Idle
//        * buckets: 0.1 .. 30s, moves are mechanical and slow
//
//   3. Gauges:
//      - automic_connected: 1 while the session is connected
//      - automic_moving:    1 while a move is outstanding
//
// Example queries:
//
//   # move failure ratio
//   rate(automic_moves_total{outcome="failed"}[5m]) / rate(automic_moves_total[5m])
//
//   # 95th percentile move time
//   histogram_quantile(0.95, rate(automic_move_duration_seconds_bucket[5m]))
//
// HTTP endpoint:
//   /metrics on the metrics port (default 9090)
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for moves and calibrations.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"   // device error or timeout
	OutcomeInvalid  = "invalid"  // client-side validation failure
	OutcomeRejected = "rejected" // precondition not met, nothing was sent
)

// Collector holds the session metrics.
type Collector struct {
	moves        *prometheus.CounterVec
	calibrations *prometheus.CounterVec
	connects     *prometheus.CounterVec
	estops       *prometheus.CounterVec
	logEntries   *prometheus.CounterVec

	moveDuration prometheus.Histogram

	connected prometheus.Gauge
	moving    prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector registers the metrics with prometheus.DefaultRegisterer.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith registers the metrics with reg. If reg is also a
// Gatherer, Handler serves from it.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automic_moves_total",
			Help: "Move commands by outcome",
		}, []string{"outcome"}),
		calibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automic_calibrations_total",
			Help: "Calibration commands by outcome",
		}, []string{"outcome"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automic_connect_attempts_total",
			Help: "Connection attempts by result",
		}, []string{"result"}),
		estops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automic_emergency_stops_total",
			Help: "Emergency stop requests by result",
		}, []string{"result"}),
		logEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automic_log_entries_total",
			Help: "Operator log entries by level",
		}, []string{"level"}),
		moveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "automic_move_duration_seconds",
			Help:    "Time a move command spent outstanding",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "automic_connected",
			Help: "1 while the session is connected to the controller",
		}),
		moving: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "automic_moving",
			Help: "1 while a move command is outstanding",
		}),
	}

	reg.MustRegister(
		c.moves,
		c.calibrations,
		c.connects,
		c.estops,
		c.logEntries,
		c.moveDuration,
		c.connected,
		c.moving,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordMove counts a move outcome. duration is observed only for moves
// that reached the controller.
func (c *Collector) RecordMove(outcome string, duration time.Duration) {
	c.moves.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeFailed {
		c.moveDuration.Observe(duration.Seconds())
	}
}

// RecordCalibration counts a calibration outcome.
func (c *Collector) RecordCalibration(outcome string) {
	c.calibrations.WithLabelValues(outcome).Inc()
}

// RecordConnect counts a connection attempt.
func (c *Collector) RecordConnect(connected bool) {
	if connected {
		c.connects.WithLabelValues("connected").Inc()
	} else {
		c.connects.WithLabelValues("failed").Inc()
	}
}

// RecordEmergencyStop counts an e-stop request.
func (c *Collector) RecordEmergencyStop(err error) {
	if err != nil {
		c.estops.WithLabelValues("failed").Inc()
		return
	}
	c.estops.WithLabelValues("acknowledged").Inc()
}

// RecordLogEntry counts an operator log entry.
func (c *Collector) RecordLogEntry(level string) {
	c.logEntries.WithLabelValues(level).Inc()
}

// SetConnected updates the connection gauge.
func (c *Collector) SetConnected(connected bool) {
	c.connected.Set(boolValue(connected))
}

// SetMoving updates the motion gauge.
func (c *Collector) SetMoving(moving bool) {
	c.moving.Set(boolValue(moving))
}

// Handler serves the registry this collector was registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
