package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rbmk-project/common/errclass"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all apwatch metrics. A nil *Registry is valid and
// records nothing.
type Registry struct {
	gatherer prometheus.Gatherer

	// Capture pipeline
	CaptureGroups   *prometheus.CounterVec
	FlowsLogged     *prometheus.CounterVec
	FlowsDiscarded  prometheus.Counter
	CaptureSessions *prometheus.CounterVec
	MonitorEnabled  prometheus.Gauge
	CaptureRunning  prometheus.Gauge
	LogEntries      prometheus.Gauge

	// Blocklist
	BlockRules     prometheus.Gauge
	FilterRules    prometheus.Gauge
	FilterOps      *prometheus.CounterVec
	Resolutions    *prometheus.CounterVec
	BlocklistFlush *prometheus.CounterVec
}

// Get returns the process-wide registry on the default Prometheus registerer.
func Get() *Registry {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return registry
}

// New creates a registry whose metrics are registered with reg.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	f := promauto.With(reg)
	r := &Registry{gatherer: gatherer}

	r.CaptureGroups = f.NewCounterVec(prometheus.CounterOpts{
		Name: "apwatch_capture_groups_total",
		Help: "Captured packet groups by classification result",
	}, []string{"result"})

	r.FlowsLogged = f.NewCounterVec(prometheus.CounterOpts{
		Name: "apwatch_flows_logged_total",
		Help: "Classified flows appended to the request log",
	}, []string{"type", "blocked"})

	r.FlowsDiscarded = f.NewCounter(prometheus.CounterOpts{
		Name: "apwatch_flows_discarded_total",
		Help: "Classified flows dropped while monitoring was disabled",
	})

	r.CaptureSessions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "apwatch_capture_sessions_total",
		Help: "Capture process sessions by how they ended",
	}, []string{"outcome"})

	r.MonitorEnabled = f.NewGauge(prometheus.GaugeOpts{
		Name: "apwatch_monitor_enabled",
		Help: "1 when flows are being logged",
	})

	r.CaptureRunning = f.NewGauge(prometheus.GaugeOpts{
		Name: "apwatch_capture_running",
		Help: "1 while the capture process is running",
	})

	r.LogEntries = f.NewGauge(prometheus.GaugeOpts{
		Name: "apwatch_log_entries",
		Help: "Flows currently held in the request log",
	})

	r.BlockRules = f.NewGauge(prometheus.GaugeOpts{
		Name: "apwatch_block_rules",
		Help: "Blocklist entries",
	})

	r.FilterRules = f.NewGauge(prometheus.GaugeOpts{
		Name: "apwatch_filter_rules_installed",
		Help: "Drop rules currently installed by the blocklist",
	})

	r.FilterOps = f.NewCounterVec(prometheus.CounterOpts{
		Name: "apwatch_filter_operations_total",
		Help: "Packet filter mutations by operation and result",
	}, []string{"op", "result"})

	r.Resolutions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "apwatch_resolutions_total",
		Help: "Domain resolutions by error class",
	}, []string{"class"})

	r.BlocklistFlush = f.NewCounterVec(prometheus.CounterOpts{
		Name: "apwatch_blocklist_persist_total",
		Help: "Blocklist persistence attempts by result",
	}, []string{"result"})

	return r
}

// Handler serves the registry's gatherer in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil || r.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// RecordGroup counts one capture group by classification result.
func (r *Registry) RecordGroup(result string) {
	if r == nil {
		return
	}
	r.CaptureGroups.WithLabelValues(result).Inc()
}

// RecordFlow counts a logged flow.
func (r *Registry) RecordFlow(requestType string, blocked bool) {
	if r == nil {
		return
	}
	r.FlowsLogged.WithLabelValues(requestType, strconv.FormatBool(blocked)).Inc()
}

// RecordDiscard counts a flow dropped while monitoring was disabled.
func (r *Registry) RecordDiscard() {
	if r == nil {
		return
	}
	r.FlowsDiscarded.Inc()
}

// RecordSession counts a finished capture session.
func (r *Registry) RecordSession(outcome string) {
	if r == nil {
		return
	}
	r.CaptureSessions.WithLabelValues(outcome).Inc()
}

// SetMonitor updates the monitor state gauges.
func (r *Registry) SetMonitor(enabled, running bool) {
	if r == nil {
		return
	}
	r.MonitorEnabled.Set(boolFloat(enabled))
	r.CaptureRunning.Set(boolFloat(running))
}

// SetLogEntries updates the request log size gauge.
func (r *Registry) SetLogEntries(n int) {
	if r == nil {
		return
	}
	r.LogEntries.Set(float64(n))
}

// SetBlocklist updates the blocklist gauges.
func (r *Registry) SetBlocklist(keys, installed int) {
	if r == nil {
		return
	}
	r.BlockRules.Set(float64(keys))
	r.FilterRules.Set(float64(installed))
}

// RecordFilterOp counts one packet filter mutation.
func (r *Registry) RecordFilterOp(op string, err error) {
	if r == nil {
		return
	}
	r.FilterOps.WithLabelValues(op, resultString(err)).Inc()
}

// RecordResolution counts one domain resolution, labelled by error class.
func (r *Registry) RecordResolution(err error) {
	if r == nil {
		return
	}
	class := "ok"
	if err != nil {
		class = errclass.New(err)
	}
	r.Resolutions.WithLabelValues(class).Inc()
}

// RecordPersist counts one blocklist persistence attempt.
func (r *Registry) RecordPersist(err error) {
	if r == nil {
		return
	}
	r.BlocklistFlush.WithLabelValues(resultString(err)).Inc()
}

func resultString(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
