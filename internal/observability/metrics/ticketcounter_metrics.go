package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	AllocationResultOK         = "ok"
	AllocationResultContention = "contention"
	AllocationResultStorage    = "storage_unavailable"
	AllocationResultInvariant  = "invariant_violation"
	AllocationResultInvalid    = "invalid_location"
	AllocationResultCanceled   = "canceled"
	AllocationModeReconcile    = "reconcile"
	AllocationModeManualEpoch  = "manual_epoch"
)

// TicketCounterMetrics tracks allocator throughput, lock waits and ledger drift.
type TicketCounterMetrics struct {
	allocations  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	lockWait     prometheus.Histogram
	driftHealed  prometheus.Counter
	driftGap     prometheus.Histogram
	resets       prometheus.Counter
	flagsCleared prometheus.Counter
}

var (
	ticketCounterMetricsOnce sync.Once
	ticketCounterMetrics     *TicketCounterMetrics
)

// TicketCounter returns the singleton allocator metrics registry.
func TicketCounter() *TicketCounterMetrics {
	return TicketCounterWithConfig(Config{})
}

func TicketCounterWithConfig(cfg Config) *TicketCounterMetrics {
	ticketCounterMetricsOnce.Do(func() {
		ticketCounterMetrics = newTicketCounterMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ticketCounterMetrics
}

// ResetTicketCounterMetricsForTest resets the allocator metrics singleton for tests.
func ResetTicketCounterMetricsForTest() {
	ticketCounterMetricsOnce = sync.Once{}
	ticketCounterMetrics = nil
}

func newTicketCounterMetrics(registerer prometheus.Registerer, cfg Config) *TicketCounterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &TicketCounterMetrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rastro_ticket_allocations_total",
			Help:        "Ticket allocations by result and mode.",
			ConstLabels: labels,
		}, []string{"result", "mode"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "rastro_ticket_allocation_duration_seconds",
			Help:        "End to end allocation latency including the row lock.",
			Buckets:     []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: labels,
		}, []string{"result"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "rastro_ticket_counter_lock_wait_seconds",
			Help:        "Time spent acquiring the per-location counter row lock.",
			Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: labels,
		}),
		driftHealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rastro_ticket_counter_drift_healed_total",
			Help:        "Allocations where the ledger was ahead of the stored counter.",
			ConstLabels: labels,
		}),
		driftGap: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "rastro_ticket_counter_drift_gap",
			Help:        "How far the ledger was ahead of the stored counter when healed.",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
			ConstLabels: labels,
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rastro_ticket_counter_resets_total",
			Help:        "Operator resets of location counters.",
			ConstLabels: labels,
		}),
		flagsCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rastro_ticket_counter_manual_reset_cleared_total",
			Help:        "Manual reset flags cleared by the epoch clear job.",
			ConstLabels: labels,
		}),
	}

	registerer.MustRegister(
		m.allocations,
		m.duration,
		m.lockWait,
		m.driftHealed,
		m.driftGap,
		m.resets,
		m.flagsCleared,
	)
	return m
}

func (m *TicketCounterMetrics) ObserveAllocation(result, mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result, mode).Inc()
	m.duration.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *TicketCounterMetrics) ObserveLockWait(duration time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(duration.Seconds())
}

// ObserveDriftHealed records a reconciliation that jumped past the stored value.
func (m *TicketCounterMetrics) ObserveDriftHealed(gap int64) {
	if m == nil || gap <= 0 {
		return
	}
	m.driftHealed.Inc()
	m.driftGap.Observe(float64(gap))
}

func (m *TicketCounterMetrics) IncReset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}

func (m *TicketCounterMetrics) AddFlagsCleared(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.flagsCleared.Add(float64(count))
}
