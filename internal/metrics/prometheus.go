package metrics

import (
	"strconv"
	"sync"

	"github.com/DeepnessLab/moly/types"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use.
type PrometheusCollector struct {
	*NopMetrics

	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	// Controller metrics
	events        *prometheus.HistogramVec
	chainPushes   *prometheus.CounterVec
	steeredChains prometheus.Gauge
	middleboxes   prometheus.Gauge
	instances     prometheus.Gauge
	patterns      prometheus.Gauge

	// Ledger metrics
	facadeCalls   *prometheus.CounterVec
	facadeRules   *prometheus.CounterVec
	assignedRules prometheus.Gauge

	// Strategy metrics
	rebalances      *prometheus.CounterVec
	rejectedBatches *prometheus.CounterVec
	rejectedRules   *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Metrics namespace (defaults to "moly" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "moly"
	}

	return &PrometheusCollector{NopMetrics: NewNop(), reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.events = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "controller",
			Name:      "event_duration_seconds",
			Help:      "Time spent handling an event, reconciliation included.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us .. ~1.6s
		}, []string{"event"})

		p.chainPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "controller",
			Name:      "chain_pushes_total",
			Help:      "Steered chain publishes by result (success|failure).",
		}, []string{"result"})

		p.steeredChains = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "controller",
			Name:      "steered_chains",
			Help:      "Number of chains in the last published steered set.",
		})

		p.middleboxes = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "middleboxes",
			Help:      "Registered middleboxes.",
		})

		p.instances = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "instances",
			Help:      "Registered DPI service instances.",
		})

		p.patterns = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "rules",
			Name:      "patterns",
			Help:      "Distinct interned rule patterns.",
		})

		p.facadeCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ledger",
			Name:      "facade_calls_total",
			Help:      "Instance facade calls by op (assign|deallocate) and result.",
		}, []string{"op", "result"})

		p.facadeRules = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ledger",
			Name:      "facade_rules_total",
			Help:      "Rules carried by instance facade calls by op.",
		}, []string{"op"})

		p.assignedRules = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "ledger",
			Name:      "assigned_rules",
			Help:      "Distinct rules held by at least one instance.",
		})

		p.rebalances = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "strategy",
			Name:      "rebalances_total",
			Help:      "Full rebalances by strategy.",
		}, []string{"strategy", "instances_used"})

		p.rejectedBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "strategy",
			Name:      "rejected_batches_total",
			Help:      "Rule batches refused for lack of capacity by strategy.",
		}, []string{"strategy"})

		p.rejectedRules = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "strategy",
			Name:      "rejected_rules_total",
			Help:      "Rules in refused batches by strategy.",
		}, []string{"strategy"})

		p.reg.MustRegister(p.events)
		p.reg.MustRegister(p.chainPushes)
		p.reg.MustRegister(p.steeredChains)
		p.reg.MustRegister(p.middleboxes)
		p.reg.MustRegister(p.instances)
		p.reg.MustRegister(p.patterns)
		p.reg.MustRegister(p.facadeCalls)
		p.reg.MustRegister(p.facadeRules)
		p.reg.MustRegister(p.assignedRules)
		p.reg.MustRegister(p.rebalances)
		p.reg.MustRegister(p.rejectedBatches)
		p.reg.MustRegister(p.rejectedRules)
	})
}

func result(success bool) string {
	if success {
		return "success"
	}

	return "failure"
}

// ControllerMetrics implementation

// RecordEvent observes the handling time of an event.
func (p *PrometheusCollector) RecordEvent(event string, duration float64) {
	p.ensureRegistered()
	p.events.WithLabelValues(event).Observe(duration)
}

// RecordChainPush counts a steered chain publish.
func (p *PrometheusCollector) RecordChainPush(chains int, success bool) {
	p.ensureRegistered()
	p.chainPushes.WithLabelValues(result(success)).Inc()
	if success {
		p.steeredChains.Set(float64(chains))
	}
}

// RecordRegistrySize sets the registry gauges.
func (p *PrometheusCollector) RecordRegistrySize(middleboxes, instances int) {
	p.ensureRegistered()
	p.middleboxes.Set(float64(middleboxes))
	p.instances.Set(float64(instances))
}

// RecordPatternCount sets the interned pattern gauge.
func (p *PrometheusCollector) RecordPatternCount(count int) {
	p.ensureRegistered()
	p.patterns.Set(float64(count))
}

// LedgerMetrics implementation

// RecordFacadeCall counts a facade call and the rules it carried.
func (p *PrometheusCollector) RecordFacadeCall(op string, rules int, success bool) {
	p.ensureRegistered()
	p.facadeCalls.WithLabelValues(op, result(success)).Inc()
	p.facadeRules.WithLabelValues(op).Add(float64(rules))
}

// RecordAssignedRules sets the assigned rules gauge.
func (p *PrometheusCollector) RecordAssignedRules(count int) {
	p.ensureRegistered()
	p.assignedRules.Set(float64(count))
}

// StrategyMetrics implementation

// RecordRebalance counts a full rebalance.
func (p *PrometheusCollector) RecordRebalance(strategy string, chains, instances int) {
	p.ensureRegistered()
	p.rebalances.WithLabelValues(strategy, strconv.Itoa(min(chains, instances))).Inc()
}

// RecordRejectedBatch counts a refused rule batch.
func (p *PrometheusCollector) RecordRejectedBatch(strategy string, rules int) {
	p.ensureRegistered()
	p.rejectedBatches.WithLabelValues(strategy).Inc()
	p.rejectedRules.WithLabelValues(strategy).Add(float64(rules))
}
