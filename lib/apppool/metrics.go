// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apppool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "passenger"

type metrics struct {
	workers     prometheus.Gauge
	active      prometheus.Gauge
	waiting     prometheus.Gauge
	checkouts   *prometheus.CounterVec
	spawns      *prometheus.CounterVec
	retirements *prometheus.CounterVec
	spawnTime   prometheus.Histogram
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)
	return &metrics{
		workers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Number of live application workers.",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of workers with at least one session.",
		}),
		waiting: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "global_queue_waiters",
			Help:      "Checkouts waiting on the global queue.",
		}),
		checkouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "checkouts_total",
			Help:      "Checkouts by result.",
		}, []string{"result"}),
		spawns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "spawns_total",
			Help:      "Worker spawns by result.",
		}, []string{"result"}),
		retirements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "retirements_total",
			Help:      "Workers removed from the pool by reason.",
		}, []string{"reason"}),
		spawnTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "spawn_duration_seconds",
			Help:      "Time taken to start a worker.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 90},
		}),
	}
}
