package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FulfillDuration tracks the latency of fulfillment requests
	FulfillDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "reward_fulfill_duration_seconds",
			Help: "Duration of reward fulfillment requests in seconds",
			Buckets: []float64{
				0.001, // 1ms
				0.005, // 5ms
				0.01,  // 10ms
				0.025, // 25ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
				2.5,   // 2.5s
				5.0,   // 5s
				10.0,  // 10s
			},
		},
		[]string{"status"}, // fulfilled, failed, already_sent
	)

	// ReservationConflicts counts reservation attempts lost to a
	// concurrent consumer
	ReservationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reward_reservation_conflicts_total",
			Help: "Number of reward reservations lost to a concurrent attempt",
		},
	)
)

// RecordFulfillDuration records the duration of a fulfillment request
func RecordFulfillDuration(status string, duration float64) {
	FulfillDuration.WithLabelValues(status).Observe(duration)
}

// RecordReservationConflict counts one lost reservation race
func RecordReservationConflict() {
	ReservationConflicts.Inc()
}
