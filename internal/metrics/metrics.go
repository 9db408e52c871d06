// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	runsTotalCounter       *prometheus.CounterVec
	activeRunsGauge        prometheus.Gauge
	stageDurationMetric    *prometheus.HistogramVec
	stageResultsCounter    *prometheus.CounterVec
	hubSubscribersGauge    prometheus.Gauge
	hubEventsPublished     prometheus.Counter
	hubEventsDroppedMetric prometheus.Counter
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runs_total",
				Help: "Total number of run status transitions by status.",
			},
			[]string{"status"},
		)

		activeRunsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_runs",
				Help: "Number of runs currently executing.",
			},
		)

		stageDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stage_duration_seconds",
				Help:    "Duration of run stages in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		)

		stageResultsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stage_results_total",
				Help: "Total number of finished stages by stage and result.",
			},
			[]string{"stage", "result"},
		)

		hubSubscribersGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_subscribers",
				Help: "Number of live log subscriptions.",
			},
		)

		hubEventsPublished = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hub_events_published_total",
				Help: "Total number of log events handed to subscribers.",
			},
		)

		hubEventsDroppedMetric = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hub_events_dropped_total",
				Help: "Total number of buffered log events evicted from slow subscribers.",
			},
		)

		prometheus.MustRegister(
			runsTotalCounter,
			activeRunsGauge,
			stageDurationMetric,
			stageResultsCounter,
			hubSubscribersGauge,
			hubEventsPublished,
			hubEventsDroppedMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.RunStatus{
			domain.RunPending,
			domain.RunRunning,
			domain.RunSuccess,
			domain.RunFailed,
		} {
			runsTotalCounter.WithLabelValues(string(status))
		}
	})
}

func IncRunStatus(status domain.RunStatus) {
	Init()
	runsTotalCounter.WithLabelValues(string(status)).Inc()
}

func RunStarted() {
	Init()
	activeRunsGauge.Inc()
}

func RunFinished() {
	Init()
	activeRunsGauge.Dec()
}

func ObserveStage(stage domain.StageName, d time.Duration, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	stageDurationMetric.WithLabelValues(string(stage)).Observe(d.Seconds())
	stageResultsCounter.WithLabelValues(string(stage), result).Inc()
}

func SetHubSubscribers(n int64) {
	Init()
	hubSubscribersGauge.Set(float64(n))
}

func AddHubPublished(n int) {
	Init()
	hubEventsPublished.Add(float64(n))
}

func IncHubDropped() {
	Init()
	hubEventsDroppedMetric.Inc()
}
