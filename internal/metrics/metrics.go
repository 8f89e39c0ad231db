// Package metrics exposes Prometheus instrumentation for the coordination core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksClaimed counts successful task claims across all lanes.
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrape_tasks_claimed_total",
		Help: "Tasks claimed from the queue",
	})

	// TasksCompleted counts terminal task completions, by result status.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrape_tasks_completed_total",
		Help: "Tasks completed with a terminal result",
	}, []string{"status"})

	// TaskAttemptsFailed counts non-terminal attempt failures.
	TaskAttemptsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrape_task_attempts_failed_total",
		Help: "Task attempts that ended in a non-terminal failure",
	})

	// ProxiesRotated counts blocked-increments applied to proxies.
	ProxiesRotated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrape_proxies_rotated_total",
		Help: "Proxy rotations (blocked-increment and re-claim)",
	})

	// ActiveLanes tracks worker lanes currently running.
	ActiveLanes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrape_active_lanes",
		Help: "Worker lanes currently running",
	})

	// ReaperReclaimed counts rows reclaimed by the reaper, by sweep.
	ReaperReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrape_reaper_reclaimed_total",
		Help: "Rows reclaimed by reaper sweeps",
	}, []string{"sweep"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
