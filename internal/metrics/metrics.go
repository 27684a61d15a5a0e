/*
Copyright 2024 Blnk Finance Authors.

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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "settlement"

	OutcomeSettled = "settled"
)

var (
	EntriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "entries_total",
			Help:      "Entries processed by close-period runs, by outcome",
		},
		[]string{"outcome"},
	)

	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "collaborator_call_duration_seconds",
			Help:      "Latency of ledger, treasury and marker store calls",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"collaborator", "operation", "status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "close_period_duration_seconds",
			Help:      "Wall time of close-period runs",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
		},
	)

	ExpectedDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "expected_duration_seconds",
			Help:      "Current estimate of a close-period run's wall time",
		},
	)

	AcknowledgementsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "acknowledgements_total",
			Help:      "Settled markers re-driven to the ledger by the recovery processor",
		},
		[]string{"status"},
	)
)

// RecordEntry counts one entry outcome. Settled entries use OutcomeSettled, failures their reason.
func RecordEntry(outcome string) {
	EntriesProcessed.WithLabelValues(outcome).Inc()
}

// ObserveCall records the latency of one collaborator call started at start.
func ObserveCall(collaborator, operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	CallDuration.WithLabelValues(collaborator, operation, status).Observe(time.Since(start).Seconds())
}
