package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollectorWith(reg), reg
}

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.moves)
	assert.NotNil(t, collector.calibrations)
	assert.NotNil(t, collector.connects)
	assert.NotNil(t, collector.estops)
	assert.NotNil(t, collector.logEntries)
	assert.NotNil(t, collector.moveDuration)
	assert.NotNil(t, collector.connected)
	assert.NotNil(t, collector.moving)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollectorWith(reg)

	assert.Panics(t, func() { NewCollectorWith(reg) })
}

func TestRecordMove(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordMove(OutcomeSuccess, 2*time.Second)
	c.RecordMove(OutcomeSuccess, time.Second)
	c.RecordMove(OutcomeFailed, 10*time.Second)
	c.RecordMove(OutcomeRejected, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.moves.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.moves.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.moves.WithLabelValues(OutcomeRejected)))

	count, err := testutil.GatherAndCount(reg, "automic_move_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "automic_move_duration_seconds" {
			assert.Equal(t, uint64(3), mf.GetMetric()[0].GetHistogram().GetSampleCount(), "rejected moves are not timed")
		}
	}
}

func TestRecordCalibrationAndConnect(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordCalibration(OutcomeInvalid)
	c.RecordConnect(true)
	c.RecordConnect(false)
	c.RecordConnect(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.calibrations.WithLabelValues(OutcomeInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connects.WithLabelValues("connected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connects.WithLabelValues("failed")))
}

func TestRecordEmergencyStop(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordEmergencyStop(nil)
	c.RecordEmergencyStop(errors.New("unreachable"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.estops.WithLabelValues("acknowledged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.estops.WithLabelValues("failed")))
}

func TestGauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetConnected(true)
	c.SetMoving(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.moving))

	c.SetMoving(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.moving))
}

func TestHandlerServesRegistry(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordLogEntry("warning")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `automic_log_entries_total{level="warning"} 1`)
}
