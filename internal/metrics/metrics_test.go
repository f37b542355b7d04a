package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg, reg), reg
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestRegistry_Records(t *testing.T) {
	r, reg := newTestRegistry(t)

	r.RecordGroup("malformed")
	r.RecordGroup("malformed")
	r.RecordGroup("classified")
	r.RecordFlow("dns", true)
	r.RecordFilterOp("insert", nil)
	r.RecordFilterOp("insert", errors.New("boom"))
	r.RecordResolution(nil)
	r.RecordPersist(nil)
	r.SetMonitor(true, false)
	r.SetBlocklist(3, 7)
	r.SetLogEntries(42)

	assert.Equal(t, 2.0, gatherValue(t, reg, "apwatch_capture_groups_total", map[string]string{"result": "malformed"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "apwatch_flows_logged_total", map[string]string{"type": "dns", "blocked": "true"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "apwatch_filter_operations_total", map[string]string{"op": "insert", "result": "error"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "apwatch_resolutions_total", map[string]string{"class": "ok"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "apwatch_monitor_enabled", nil))
	assert.Equal(t, 0.0, gatherValue(t, reg, "apwatch_capture_running", nil))
	assert.Equal(t, 7.0, gatherValue(t, reg, "apwatch_filter_rules_installed", nil))
	assert.Equal(t, 42.0, gatherValue(t, reg, "apwatch_log_entries", nil))
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.RecordGroup("x")
		r.RecordFlow("dns", false)
		r.RecordDiscard()
		r.RecordSession("stopped")
		r.SetMonitor(true, true)
		r.SetLogEntries(1)
		r.SetBlocklist(1, 1)
		r.RecordFilterOp("delete", nil)
		r.RecordResolution(errors.New("x"))
		r.RecordPersist(nil)
	})
}

func TestRegistry_Handler(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RecordDiscard()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "apwatch_flows_discarded_total 1"))
}

func TestCollector(t *testing.T) {
	r, reg := newTestRegistry(t)
	c := NewCollector(r, nil, time.Hour)

	n := 0
	c.AddProbe(func(r *Registry) {
		n++
		r.SetLogEntries(n)
	})

	assert.True(t, c.LastUpdate().IsZero())
	c.Collect()
	assert.False(t, c.LastUpdate().IsZero())
	assert.Equal(t, 1.0, gatherValue(t, reg, "apwatch_log_entries", nil))

	c.Start(context.Background())
	c.Stop()
	assert.GreaterOrEqual(t, n, 1)
}

func TestCollector_StopWithoutStart(t *testing.T) {
	c := NewCollector(nil, nil, 0)
	assert.NotPanics(t, c.Stop)
}
