// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helperagent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes, the values of the "result" label.
const (
	resultOK                 = "ok"
	resultUnauthorized       = "unauthorized"
	resultMalformed          = "malformed"
	resultSpawnError         = "spawn_error"
	resultBusy               = "busy"
	resultClientDisconnected = "client_disconnected"
	resultWorkerTimeout      = "worker_timeout"
	resultError              = "error"
	resultPanic              = "panic"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
	inFlight prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "passenger",
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Requests handled by result.",
		}, []string{"result"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "passenger",
			Subsystem: "agent",
			Name:      "request_duration_seconds",
			Help:      "Time from accepting a request to closing its connection.",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "passenger",
			Subsystem: "agent",
			Name:      "requests_in_flight",
			Help:      "Requests currently being handled.",
		}),
	}
}
