package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PushWrites       = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskqueue_push_writes_total", Help: "Pushes that inserted or updated a task"})
	PushNoops        = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskqueue_push_noops_total", Help: "Pushes that left the queue unchanged"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskqueue_rate_limit_rejects_total", Help: "Pushes rejected by the rate limiter"})
	TasksClaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskqueue_tasks_claimed_total", Help: "Tasks claimed by workers"})
	ClaimMisses      = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskqueue_claim_misses_total", Help: "Claim attempts that found no eligible task"})
	TasksCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskqueue_tasks_completed_total", Help: "Tasks processed successfully"})
	TasksRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskqueue_tasks_retried_total", Help: "Tasks pushed back for retry"})
	TasksArchived    = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskqueue_tasks_archived_total", Help: "Exhausted tasks archived and removed"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "taskqueue_depth", Help: "Queued tasks per queue"}, []string{"queue"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PushWrites,
			PushNoops,
			RateLimitRejects,
			TasksClaimed,
			ClaimMisses,
			TasksCompleted,
			TasksRetried,
			TasksArchived,
			QueueDepth,
		)
	})
	return promhttp.Handler()
}
