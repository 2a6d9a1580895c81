// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package metrics provides Prometheus metrics for the will-delivery engine.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PendingWills is a gauge tracking the number of wills currently
	// scheduled for delayed delivery.
	PendingWills = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lastwill_pending_wills",
		Help: "The number of will messages currently waiting for their delay to elapse.",
	})

	// WillsFiredTotal is a counter for will messages handed to the publish
	// pipeline.
	WillsFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lastwill_wills_fired_total",
		Help: "The total number of will messages published.",
	})

	// WillsCancelledTotal is a counter for wills removed before firing.
	WillsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lastwill_wills_cancelled_total",
		Help: "The total number of pending wills cancelled before delivery.",
	})

	// WillsRecoveredTotal is a counter for wills restored from the durable
	// store during a reset.
	WillsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lastwill_wills_recovered_total",
		Help: "The total number of pending wills recovered from the session store.",
	})

	// SweepErrorsTotal is a counter for per-entry failures during a sweep
	// tick.
	SweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lastwill_sweep_errors_total",
		Help: "The total number of errors while processing individual pending wills.",
	})

	// RecoveryFailuresTotal is a counter for failed attempts to read the
	// pending-will snapshot from the session store.
	RecoveryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lastwill_recovery_failures_total",
		Help: "The total number of failed pending-will recovery reads.",
	})
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
