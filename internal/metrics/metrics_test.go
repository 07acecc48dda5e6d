package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestCountersAreExported(t *testing.T) {
	Register()

	IncBookingOp("create", "ok")
	IncBookingRejected("row_time_conflict")
	IncSlotOp("delete")
	AddCascadeCancelled(3)
	IncCacheHit()
	IncCacheMiss()
	IncReminder("sent")
	IncHTTP("available_dates")

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			values[f.GetName()] += m.GetCounter().GetValue()
		}
	}

	for _, name := range []string{
		"examslots_booking_operations_total",
		"examslots_booking_rejected_total",
		"examslots_slot_operations_total",
		"examslots_availability_cache_total",
		"examslots_reminders_total",
		"examslots_http_requests_total",
	} {
		assert.GreaterOrEqual(t, values[name], 1.0, name)
	}
	assert.GreaterOrEqual(t, values["examslots_cascade_cancelled_bookings_total"], 3.0)
}
