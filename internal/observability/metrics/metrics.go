package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Deferred action paths.
const (
	PathEphemeral = "ephemeral"
	PathDurable   = "durable"
)

// Metrics holds every collector the bot exports. A nil *Metrics is valid and
// records nothing, so components can be built without a registry in tests.
type Metrics struct {
	reg *prometheus.Registry

	DeferredScheduled *prometheus.CounterVec
	DeferredFired     *prometheus.CounterVec
	EphemeralPending  prometheus.Gauge
	ReconcileRows     *prometheus.CounterVec

	CasesRecorded *prometheus.CounterVec
	NotifyDropped prometheus.Counter
	NotifyBatches *prometheus.CounterVec

	BulkItems *prometheus.CounterVec
	BulkStops *prometheus.CounterVec
	LeaseBusy *prometheus.CounterVec

	SupervisorRestarts *prometheus.CounterVec
}

// New builds the collectors and registers them on a private registry along
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		DeferredScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_deferred_scheduled_total",
				Help: "Deferred actions accepted by the scheduler, by path (ephemeral or durable)",
			},
			[]string{"path"},
		),
		DeferredFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_deferred_fired_total",
				Help: "Completion handler invocations by event and outcome",
			},
			[]string{"event", "outcome"},
		),
		EphemeralPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_deferred_ephemeral_pending",
				Help: "In-process deferred actions waiting to fire",
			},
		),
		ReconcileRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_deferred_reconciled_total",
				Help: "Durable timer rows consumed by the reconciler, by result",
			},
			[]string{"result"},
		),
		CasesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_audit_cases_total",
				Help: "Audit cases recorded, by action kind",
			},
			[]string{"kind"},
		),
		NotifyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_audit_notify_dropped_total",
				Help: "Case notifications dropped because the notifier queue was full",
			},
		),
		NotifyBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_audit_notify_batches_total",
				Help: "Notification batches handed to the sink, by result",
			},
			[]string{"result"},
		),
		BulkItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_bulk_items_total",
				Help: "Items processed by bulk operations, by operation and result",
			},
			[]string{"op", "result"},
		),
		BulkStops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_bulk_stops_total",
				Help: "Bulk operations that ended, by operation and stop reason",
			},
			[]string{"op", "reason"},
		),
		LeaseBusy: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_lease_busy_total",
				Help: "Lease acquisitions rejected because the key was held",
			},
			[]string{"mode"},
		),
		SupervisorRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_supervisor_restarts_total",
				Help: "Supervised goroutine restarts, by goroutine name",
			},
			[]string{"name"},
		),
	}

	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.DeferredScheduled,
		m.DeferredFired,
		m.EphemeralPending,
		m.ReconcileRows,
		m.CasesRecorded,
		m.NotifyDropped,
		m.NotifyBatches,
		m.BulkItems,
		m.BulkStops,
		m.LeaseBusy,
		m.SupervisorRestarts,
	)
	return m
}

// Registry exposes the registry for the HTTP handler and for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Scheduled(path string) {
	if m == nil {
		return
	}
	m.DeferredScheduled.WithLabelValues(path).Inc()
}

func (m *Metrics) Fired(event, outcome string) {
	if m == nil {
		return
	}
	m.DeferredFired.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) SetEphemeralPending(n int) {
	if m == nil {
		return
	}
	m.EphemeralPending.Set(float64(n))
}

func (m *Metrics) Reconciled(result string) {
	if m == nil {
		return
	}
	m.ReconcileRows.WithLabelValues(result).Inc()
}

func (m *Metrics) CaseRecorded(kind string) {
	if m == nil {
		return
	}
	m.CasesRecorded.WithLabelValues(kind).Inc()
}

func (m *Metrics) NotifyDrop() {
	if m == nil {
		return
	}
	m.NotifyDropped.Inc()
}

func (m *Metrics) NotifyBatch(result string) {
	if m == nil {
		return
	}
	m.NotifyBatches.WithLabelValues(result).Inc()
}

func (m *Metrics) BulkItem(op, result string) {
	if m == nil {
		return
	}
	m.BulkItems.WithLabelValues(op, result).Inc()
}

func (m *Metrics) BulkStop(op, reason string) {
	if m == nil {
		return
	}
	m.BulkStops.WithLabelValues(op, reason).Inc()
}

func (m *Metrics) Busy(mode string) {
	if m == nil {
		return
	}
	m.LeaseBusy.WithLabelValues(mode).Inc()
}

func (m *Metrics) Restarted(name string) {
	if m == nil {
		return
	}
	m.SupervisorRestarts.WithLabelValues(name).Inc()
}
