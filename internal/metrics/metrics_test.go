package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/conductd/internal/activity"
)

func TestCollector_CountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.Publish(activity.Event{UnitID: "u-a", Kind: activity.EventUnitClaimed})
	c.Publish(activity.Event{UnitID: "u-b", Kind: activity.EventUnitClaimed})
	c.Publish(activity.Event{UnitID: "u-a", Kind: activity.EventMergeConflict})
	c.Publish(activity.Event{UnitID: "u-a", Kind: activity.EventUnitCompleted})
	c.Publish(activity.Event{UnitID: "u-b", Kind: activity.EventUnitRetrying})

	assert.Equal(t, float64(2), testutil.ToFloat64(c.events.WithLabelValues(activity.EventUnitClaimed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.conflicts))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.retries))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.unitsSettled.WithLabelValues("completed")))

	// Two claims, one completion, one retry: none left active.
	assert.Equal(t, float64(0), testutil.ToFloat64(c.activeUnits))
}

func TestCollector_EscalationReleasesActiveGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.Publish(activity.Event{UnitID: "u-a", Kind: activity.EventUnitClaimed})
	c.Publish(activity.Event{UnitID: "u-a", Kind: activity.EventMergeConflict})
	c.Publish(activity.Event{UnitID: "u-a", Kind: activity.EventMergeEscalated})

	assert.Equal(t, float64(0), testutil.ToFloat64(c.activeUnits))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.escalations))
}

func TestCollector_UnclaimedFailureKeepsActiveGaugeAtZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	// A unit that never bound a sandbox fails (creation failed twice):
	// there was no claim to settle, so the gauge must not go negative.
	c.Publish(activity.Event{UnitID: "u-a", Kind: activity.EventUnitFailed})
	assert.Equal(t, float64(0), testutil.ToFloat64(c.activeUnits))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.unitsSettled.WithLabelValues("failed")))

	// A claimed sibling is unaffected and settles back to zero.
	c.Publish(activity.Event{UnitID: "u-b", Kind: activity.EventUnitClaimed})
	assert.Equal(t, float64(1), testutil.ToFloat64(c.activeUnits))
	c.Publish(activity.Event{UnitID: "u-b", Kind: activity.EventUnitFailed})
	assert.Equal(t, float64(0), testutil.ToFloat64(c.activeUnits))
}

type staticPool struct{ capacity, inUse int }

func (p staticPool) Capacity() int { return p.capacity }
func (p staticPool) InUse() int    { return p.inUse }

func TestRegisterPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterPool(reg, staticPool{capacity: 3, inUse: 2})

	families, err := reg.Gather()
	assert.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		values[fam.GetName()] = fam.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, float64(3), values["conductd_pool_capacity"])
	assert.Equal(t, float64(2), values["conductd_pool_in_use"])
}
