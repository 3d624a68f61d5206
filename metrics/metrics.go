package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "op_retest"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	jobsQueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "jobs_queued_total",
		Help:      "Count of jobs enqueued",
	}, []string{
		"kind",
	})

	jobTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "job_transitions_total",
		Help:      "Count of job state transitions",
	}, []string{
		"kind",
		"state",
	})

	jobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "job_duration_seconds",
		Help:      "Job execution time",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{
		"kind",
		"state",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "queue_depth",
		Help:      "Number of queued jobs",
	})

	queuePaused = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "queue_paused",
		Help:      "Whether the queue is paused (1) or not (0)",
	})

	changeBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "change_batches_total",
		Help:      "Count of change batches received from the watcher",
	})

	changedPathsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "changed_paths_total",
		Help:      "Count of changed paths by change kind",
	}, []string{
		"kind",
	})

	syncedPathsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "synced_paths_total",
		Help:      "Count of paths applied to the shadow workspace",
	}, []string{
		"op",
	})

	affectedSetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "affected_set_size",
		Help:      "Size of the most recent affected set, -1 for all tests",
	})

	testResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "test_results",
		Help:      "Test counts from the most recent run",
	}, []string{
		"run_id",
		"status",
	})

	testRunDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "test_run_duration",
		Help:      "Duration of the most recent test run",
	}, []string{
		"run_id",
	})

	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "events_dropped_total",
		Help:      "Count of bus events dropped on full subscriber buffers",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordJobQueued(kind string) {
	jobsQueuedTotal.WithLabelValues(kind).Inc()
}

func RecordJobTransition(kind string, state string) {
	if Debug {
		log.Debug("metric inc",
			"m", "job_transitions_total",
			"kind", kind,
			"state", state,
		)
	}
	jobTransitionsTotal.WithLabelValues(kind, state).Inc()
}

func RecordJobDuration(kind string, state string, duration time.Duration) {
	jobDurationSeconds.WithLabelValues(kind, state).Observe(duration.Seconds())
}

func RecordQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

func RecordQueuePaused(paused bool) {
	if paused {
		queuePaused.Set(1)
	} else {
		queuePaused.Set(0)
	}
}

func RecordChangeBatch() {
	changeBatchesTotal.Inc()
}

func RecordChangedPath(kind string) {
	changedPathsTotal.WithLabelValues(kind).Inc()
}

func RecordSyncApplied(added, modified, removed int) {
	syncedPathsTotal.WithLabelValues("add").Add(float64(added))
	syncedPathsTotal.WithLabelValues("modify").Add(float64(modified))
	syncedPathsTotal.WithLabelValues("remove").Add(float64(removed))
}

// RecordAffectedSet records the size of a computed affected set; the all
// sentinel is recorded as -1 because it has no finite size.
func RecordAffectedSet(size int, all bool) {
	if all {
		affectedSetSize.Set(-1)
		return
	}
	affectedSetSize.Set(float64(size))
}

func RecordTestRun(
	runID string,
	total int,
	passed int,
	failed int,
	ignored int,
	timedOut int,
	duration time.Duration,
) {
	testResults.WithLabelValues(runID, "total").Set(float64(total))
	testResults.WithLabelValues(runID, "passed").Set(float64(passed))
	testResults.WithLabelValues(runID, "failed").Set(float64(failed))
	testResults.WithLabelValues(runID, "ignored").Set(float64(ignored))
	testResults.WithLabelValues(runID, "timed_out").Set(float64(timedOut))
	testRunDuration.WithLabelValues(runID).Set(duration.Seconds())
}

func RecordEventsDropped(n uint64) {
	eventsDroppedTotal.Add(float64(n))
}
