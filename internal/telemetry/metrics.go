package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs persisted for deferred execution"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed by the poll loop"})
	JobsSucceeded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Attempts that succeeded"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Attempts that failed and were rescheduled"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached terminal failure"})
	JobsCancelled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Attempts that observed cancellation"})
	RecurrencesSpawned = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_recurrences_spawned_total", Help: "Next-occurrence jobs created by recurring successes"})
	PollErrors         = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_poll_errors_total", Help: "Poll ticks that failed to claim"})
	RepositoryErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_repository_errors_total", Help: "Failed writes of attempt outcomes"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	LeasesLost         = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_leases_lost_total", Help: "Attempt outcomes discarded because the claim was taken over"})
	LaneInFlight       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "scheduler_lane_inflight", Help: "Attempts executing per priority lane"}, []string{"priority"})
	Lanes              = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_lanes", Help: "Priority lanes created"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobsCancelled,
			RecurrencesSpawned,
			PollErrors,
			RepositoryErrors,
			RateLimitRejects,
			LeasesLost,
			LaneInFlight,
			Lanes,
		)
	})
	return promhttp.Handler()
}
