package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncrementRun("COMPLETED")
	m.IncrementRun("FAILED")
	m.IncrementRun("COMPLETED")
	m.ObserveStage("RECON", "COMPLETED", 3, 20*time.Millisecond)
	m.AddLoops(2)
	m.AddViolations(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("COMPLETED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StageAttempts.WithLabelValues("RECON")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoopsDetected))
	assert.Zero(t, testutil.ToFloat64(m.ViolationsFlagged))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.IncrementRun("COMPLETED")
	m.ObserveStage("RECON", "FAILED", 1, time.Second)
	m.AddLoops(1)
	m.AddViolations(1)
}

func TestMetrics_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.AddLoops(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "lantern_loops_detected_total 1"))
}
