// Package metrics exposes orchestration counters and gauges to Prometheus.
//
// The collector doubles as an activity sink so the scheduler and lifecycle
// stay oblivious to metrics: every published event is counted, and the
// active-unit gauge follows claim/settle events.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/conductd/internal/activity"
)

// Collector aggregates orchestration metrics.
type Collector struct {
	events       *prometheus.CounterVec
	unitsSettled *prometheus.CounterVec
	retries      prometheus.Counter
	conflicts    prometheus.Counter
	escalations  prometheus.Counter
	stalls       prometheus.Counter
	activeUnits  prometheus.Gauge

	// claimed tracks which units the gauge has counted, so a settle event
	// for a unit that never claimed (sandbox creation failed before the
	// claim was published) cannot drive the gauge negative.
	mu      sync.Mutex
	claimed map[string]bool
}

// New registers the orchestration metrics on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductd",
			Name:      "activity_events_total",
			Help:      "Activity events published, by kind.",
		}, []string{"kind"}),
		unitsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductd",
			Name:      "units_settled_total",
			Help:      "Units that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductd",
			Name:      "unit_retries_total",
			Help:      "Failed attempts that re-entered the backlog.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductd",
			Name:      "merge_conflicts_total",
			Help:      "Merges that hit a conflict.",
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductd",
			Name:      "merge_escalations_total",
			Help:      "Merge conflicts left to an operator.",
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductd",
			Name:      "unit_stalls_total",
			Help:      "Units force-failed for lack of sandbox activity.",
		}),
		activeUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductd",
			Name:      "active_units",
			Help:      "Units currently holding a sandbox and a pool slot.",
		}),
		claimed: make(map[string]bool),
	}
	reg.MustRegister(c.events, c.unitsSettled, c.retries, c.conflicts, c.escalations, c.stalls, c.activeUnits)
	return c
}

// Publish implements activity.Sink.
func (c *Collector) Publish(event activity.Event) {
	c.events.WithLabelValues(event.Kind).Inc()

	switch event.Kind {
	case activity.EventUnitClaimed:
		c.mu.Lock()
		if !c.claimed[event.UnitID] {
			c.claimed[event.UnitID] = true
			c.activeUnits.Inc()
		}
		c.mu.Unlock()
	case activity.EventUnitCompleted:
		c.settle(event.UnitID)
		c.unitsSettled.WithLabelValues("completed").Inc()
	case activity.EventUnitFailed:
		c.settle(event.UnitID)
		c.unitsSettled.WithLabelValues("failed").Inc()
	case activity.EventUnitRetrying:
		c.settle(event.UnitID)
		c.retries.Inc()
	case activity.EventMergeConflict:
		c.conflicts.Inc()
	case activity.EventMergeEscalated:
		c.settle(event.UnitID)
		c.escalations.Inc()
	case activity.EventUnitStalled:
		c.stalls.Inc()
	}
}

// settle decrements the active gauge only for units the claim handler
// counted.
func (c *Collector) settle(unitID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed[unitID] {
		delete(c.claimed, unitID)
		c.activeUnits.Dec()
	}
}

// PoolGauges tracks pool slot usage through a live view.
type PoolGauges interface {
	Capacity() int
	InUse() int
}

// RegisterPool exposes pool slot gauges on reg.
func RegisterPool(reg prometheus.Registerer, pool PoolGauges) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "conductd",
		Name:      "pool_capacity",
		Help:      "Configured worker pool slots.",
	}, func() float64 { return float64(pool.Capacity()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "conductd",
		Name:      "pool_in_use",
		Help:      "Worker pool slots currently held.",
	}, func() float64 { return float64(pool.InUse()) }))
}
