// Package metrics exposes the server's prometheus collectors. A Registry
// satisfies the metrics hooks of the executor, the sessions and the backup
// job, so each of them can be handed the same value.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relayspace/internal/relayspace"
)

const namespace = "relayspace"

type Registry struct {
	reg *prometheus.Registry

	tasksSubmitted prometheus.Counter
	tasksFinished  prometheus.Counter
	tasksPanicked  prometheus.Counter
	tasksLive      prometheus.Gauge

	sessionsOpen      prometheus.Gauge
	sessionsTotal     prometheus.Counter
	requests          *prometheus.CounterVec
	requestsThrottled prometheus.Counter

	backups        *prometheus.CounterVec
	backupDuration prometheus.Histogram
	blobsCollected prometheus.Counter
}

func opts(subsystem, name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}
}

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts(opts(subsystem, name, help)))
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts(opts(subsystem, name, help)))
}

// New registers every collector on a fresh registry, together with the
// standard go and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		tasksSubmitted: counter("executor", "tasks_submitted_total", "Tasks handed to the executor."),
		tasksFinished:  counter("executor", "tasks_finished_total", "Tasks that returned Ready or panicked."),
		tasksPanicked:  counter("executor", "tasks_panicked_total", "Tasks dropped after a panic while polling."),
		tasksLive:      gauge("executor", "tasks_live", "Tasks submitted and not yet finished."),

		sessionsOpen:  gauge("session", "open", "Connected client sessions."),
		sessionsTotal: counter("session", "opened_total", "Client sessions accepted."),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("session", "requests_total", "Requests handled, by request kind and outcome.")),
			[]string{"request", "outcome"},
		),
		requestsThrottled: counter("session", "requests_throttled_total", "Requests refused by the per-session rate limit."),

		backups: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("backup", "cycles_total", "Backup cycles, by trigger and outcome.")),
			[]string{"trigger", "outcome"},
		),
		backupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Time spent holding the exclusive barrier per backup.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		blobsCollected: counter("files", "blobs_collected_total", "Unreferenced blobs deleted by the collector."),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.tasksSubmitted, r.tasksFinished, r.tasksPanicked, r.tasksLive,
		r.sessionsOpen, r.sessionsTotal, r.requests, r.requestsThrottled,
		r.backups, r.backupDuration, r.blobsCollected,
	)
	return r
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) TaskSubmitted() {
	r.tasksSubmitted.Inc()
	r.tasksLive.Inc()
}

func (r *Registry) TaskFinished() {
	r.tasksFinished.Inc()
	r.tasksLive.Dec()
}

// TaskPanicked is followed by TaskFinished for the same task.
func (r *Registry) TaskPanicked() {
	r.tasksPanicked.Inc()
}

func (r *Registry) SessionOpened() {
	r.sessionsTotal.Inc()
	r.sessionsOpen.Inc()
}

func (r *Registry) SessionClosed() {
	r.sessionsOpen.Dec()
}

func (r *Registry) RequestHandled(request string, err error) {
	r.requests.WithLabelValues(request, outcome(err)).Inc()
}

func (r *Registry) RequestThrottled() {
	r.requestsThrottled.Inc()
}

func (r *Registry) BackupFinished(trigger string, took time.Duration, err error) {
	r.backups.WithLabelValues(trigger, outcome(err)).Inc()
	r.backupDuration.Observe(took.Seconds())
}

func (r *Registry) BlobsCollected(n int) {
	r.blobsCollected.Add(float64(n))
}

// outcome keeps label cardinality bounded by folding errors into their
// sentinel class.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, relayspace.ErrNotFound):
		return "not_found"
	case errors.Is(err, relayspace.ErrRevisionConflict):
		return "conflict"
	case errors.Is(err, relayspace.ErrPermissionDenied):
		return "denied"
	case errors.Is(err, relayspace.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, relayspace.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, relayspace.ErrNotImplemented):
		return "not_implemented"
	}
	return "error"
}
