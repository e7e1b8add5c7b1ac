package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbipupdater_runs_total",
			Help: "Total number of update runs by outcome.",
		},
		[]string{"outcome"}, // updated, unchanged, failed
	)

	AttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbipupdater_fetch_attempts_total",
			Help: "Total number of fetch attempts across all runs.",
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbipupdater_retries_total",
			Help: "Total number of scheduled retries by failure kind.",
		},
		[]string{"reason"}, // e.g. transient, authentication, http, parse
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbipupdater_fetch_duration_seconds",
			Help:    "Duration of source fetches.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // ok, error
	)

	URLChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbipupdater_url_changes_total",
			Help: "Total number of times the stored MMDB URL was overwritten.",
		},
	)

	LastSuccessTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbipupdater_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbipupdater_notifications_total",
			Help: "Total number of change events published by status.",
		},
		[]string{"status"}, // published, failed
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		RunsTotal,
		AttemptsTotal,
		RetriesTotal,
		FetchDuration,
		URLChangesTotal,
		LastSuccessTimestamp,
		NotificationsTotal,
	)
}

// RecordRun records the final outcome of one run
func RecordRun(outcome string, at time.Time) {
	RunsTotal.WithLabelValues(outcome).Inc()
	if outcome != "failed" {
		LastSuccessTimestamp.Set(float64(at.Unix()))
	}
	if outcome == "updated" {
		URLChangesTotal.Inc()
	}
}

// RecordFetch records one fetch attempt and its duration
func RecordFetch(ok bool, d time.Duration) {
	AttemptsTotal.Inc()
	result := "ok"
	if !ok {
		result = "error"
	}
	FetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordRetry records a scheduled retry
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordNotification records a change event publish attempt
func RecordNotification(status string) {
	NotificationsTotal.WithLabelValues(status).Inc()
}
