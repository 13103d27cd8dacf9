package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for hold and booking flows.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	holdsAcquired       *prometheus.CounterVec
	holdsReleased       *prometheus.CounterVec
	bookingTransitions  *prometheus.CounterVec
	sweeperReleased     prometheus.Counter
	sweepDuration       prometheus.Histogram
	reconcileOutcomes   *prometheus.CounterVec
	invariantViolations prometheus.Counter
	paymentLatency      *prometheus.HistogramVec
	refundsQueued       prometheus.Counter
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		holdsAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "holds",
			Name:      "acquire_total",
			Help:      "Hold acquisition attempts by result",
		}, []string{"result"}),
		holdsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "holds",
			Name:      "released_total",
			Help:      "Holds released by reason",
		}, []string{"reason"}),
		bookingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "bookings",
			Name:      "transitions_total",
			Help:      "Booking state transitions",
		}, []string{"from", "to"}),
		sweeperReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "sweeper",
			Name:      "released_total",
			Help:      "Expired holds released by the sweeper",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "sweeper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a single sweep pass",
			Buckets:   prometheus.DefBuckets,
		}),
		reconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reconcile",
			Name:      "outcomes_total",
			Help:      "Payment outcomes applied by kind and result",
		}, []string{"kind", "result"}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "holds",
			Name:      "invariant_violations_total",
			Help:      "Slots observed with more than one active hold",
		}),
		paymentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "charge_latency_seconds",
			Help:      "Latency of payment charge calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		refundsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "refunds_queued_total",
			Help:      "Refunds queued for captured payments that could not confirm",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.holdsAcquired,
		m.holdsReleased,
		m.bookingTransitions,
		m.sweeperReleased,
		m.sweepDuration,
		m.reconcileOutcomes,
		m.invariantViolations,
		m.paymentLatency,
		m.refundsQueued,
	)
	return m
}

func (m *EngineMetrics) ObserveAcquire(result string) {
	if m == nil {
		return
	}
	m.holdsAcquired.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) ObserveRelease(reason string) {
	if m == nil {
		return
	}
	m.holdsReleased.WithLabelValues(reason).Inc()
}

func (m *EngineMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.bookingTransitions.WithLabelValues(from, to).Inc()
}

func (m *EngineMetrics) ObserveSweep(released int, seconds float64) {
	if m == nil {
		return
	}
	m.sweeperReleased.Add(float64(released))
	m.sweepDuration.Observe(seconds)
}

func (m *EngineMetrics) ObserveReconcile(kind, result string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(kind, result).Inc()
}

func (m *EngineMetrics) ObserveInvariantViolation() {
	if m == nil {
		return
	}
	m.invariantViolations.Inc()
}

func (m *EngineMetrics) ObservePaymentLatency(status string, seconds float64) {
	if m == nil {
		return
	}
	m.paymentLatency.WithLabelValues(status).Observe(seconds)
}

func (m *EngineMetrics) ObserveRefundQueued() {
	if m == nil {
		return
	}
	m.refundsQueued.Inc()
}
