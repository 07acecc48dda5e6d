package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "examslots"

var (
	once sync.Once

	bookingOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_operations_total",
			Help:      "Count of booking operations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	bookingRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_rejected_total",
			Help:      "Count of rejected booking requests by error kind.",
		},
		[]string{"kind"},
	)

	slotOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_operations_total",
			Help:      "Count of slot administration operations.",
		},
		[]string{"op"},
	)

	cascadeCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascade_cancelled_bookings_total",
			Help:      "Count of bookings cancelled because their slot was deleted.",
		},
	)

	availabilityCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_cache_total",
			Help:      "Count of availability cache lookups by result.",
		},
		[]string{"result"},
	)

	remindersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Count of reminder deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of HTTP API requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(bookingOps, bookingRejected, slotOps, cascadeCancelled, availabilityCache, remindersSent, httpRequests)
	})
}

func IncBookingOp(op, outcome string) {
	bookingOps.WithLabelValues(op, outcome).Inc()
}

func IncBookingRejected(kind string) {
	bookingRejected.WithLabelValues(kind).Inc()
}

func IncSlotOp(op string) {
	slotOps.WithLabelValues(op).Inc()
}

func AddCascadeCancelled(n int) {
	cascadeCancelled.Add(float64(n))
}

func IncCacheHit() {
	availabilityCache.WithLabelValues("hit").Inc()
}

func IncCacheMiss() {
	availabilityCache.WithLabelValues("miss").Inc()
}

func IncReminder(outcome string) {
	remindersSent.WithLabelValues(outcome).Inc()
}

func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
