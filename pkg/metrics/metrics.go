/*
Copyright 2025 Lumina Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics provides Prometheus metrics for the minion manager. It
// exposes reconciliation cycle health, bid-advisor cache freshness,
// instance-replacement activity, and semaphore saturation for operational
// visibility and alerting.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the reconciliation loop, bid
// advisor, and replacement scheduler report into. A single instance is
// constructed in main and passed down by constructor injection, the same
// way every other component receives its dependencies.
type Metrics struct {
	// ControllerRunning is a simple gauge set to 1 on startup. If it
	// disappears from the metrics endpoint the process has crashed.
	ControllerRunning prometheus.Gauge

	// ReconcilePassDuration measures how long one full reconciliation pass
	// (runPass) takes across every managed group.
	ReconcilePassDuration prometheus.Histogram

	// ReconcilePassErrors counts passes that aborted early due to a
	// group-level error.
	ReconcilePassErrors prometheus.Counter

	// BidTableAge reports the age, in seconds, of the most recent
	// successful refresh for each price table ("spot" or "on-demand").
	// Labels: table
	BidTableAge *prometheus.GaugeVec

	// BidRecommendations counts recommendations by resulting lifecycle.
	// Labels: lifecycle
	BidRecommendations *prometheus.CounterVec

	// TerminationsTotal counts instances the replacement scheduler has
	// terminated. Labels: group
	TerminationsTotal *prometheus.CounterVec

	// TerminationAborts counts terminations aborted mid-sequence (market
	// reverted, drain-then-uncordon succeeded, terminate API error).
	// Labels: group, reason
	TerminationAborts *prometheus.CounterVec

	// SemaphoreSaturation reports the fraction of a group's replacement
	// concurrency cap currently in use (0.0-1.0). Labels: group
	SemaphoreSaturation *prometheus.GaugeVec
}

// New creates and registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ControllerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "minionctl_running",
			Help: "Indicates whether the minion manager process is running (1 = running).",
		}),
		ReconcilePassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "minionctl_reconcile_pass_duration_seconds",
			Help:    "Duration of one full reconciliation pass across every managed group.",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcilePassErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minionctl_reconcile_pass_errors_total",
			Help: "Count of reconciliation passes aborted early by a group-level error.",
		}),
		BidTableAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "minionctl_bid_table_age_seconds",
			Help: "Age in seconds of the most recent successful refresh of a price table.",
		}, []string{"table"}),
		BidRecommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minionctl_bid_recommendations_total",
			Help: "Count of bid recommendations issued, by resulting lifecycle.",
		}, []string{"lifecycle"}),
		TerminationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minionctl_terminations_total",
			Help: "Count of instances terminated by the replacement scheduler.",
		}, []string{"group"}),
		TerminationAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minionctl_termination_aborts_total",
			Help: "Count of terminations aborted mid-sequence, by reason.",
		}, []string{"group", "reason"}),
		SemaphoreSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "minionctl_replacement_semaphore_saturation",
			Help: "Fraction of a group's replacement concurrency cap currently in use.",
		}, []string{"group"}),
	}

	reg.MustRegister(
		m.ControllerRunning,
		m.ReconcilePassDuration,
		m.ReconcilePassErrors,
		m.BidTableAge,
		m.BidRecommendations,
		m.TerminationsTotal,
		m.TerminationAborts,
		m.SemaphoreSaturation,
	)
	return m
}

// ObservePassDuration records the wall-clock duration of one reconciliation
// pass.
func (m *Metrics) ObservePassDuration(d time.Duration) {
	m.ReconcilePassDuration.Observe(d.Seconds())
}

// SetTableAge records how long ago table last refreshed successfully.
func (m *Metrics) SetTableAge(table string, lastRefresh time.Time) {
	m.BidTableAge.WithLabelValues(table).Set(time.Since(lastRefresh).Seconds())
}
