// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for module load metrics.
const (
	StatusLoaded  = "loaded"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
	StatusSkipped = "skipped"
)

// ModuleLoads counts module loads by runtime and outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var ModuleLoads = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "holoflow_module_loads_total",
		Help: "Total number of node-type module loads",
	},
	[]string{"runtime", "status"},
)

// ModuleLoadDuration observes how long module entry points take to settle.
// Use RegisterMetrics to register this with a Prometheus registry.
var ModuleLoadDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "holoflow_module_load_duration_seconds",
		Help:    "Node-type module load duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"runtime"},
)

// RegisterMetrics registers loader metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ModuleLoads)
	reg.MustRegister(ModuleLoadDuration)
}

func recordLoad(runtime, status string, d time.Duration) {
	ModuleLoads.WithLabelValues(runtime, status).Inc()
	if status != StatusSkipped {
		ModuleLoadDuration.WithLabelValues(runtime).Observe(d.Seconds())
	}
}
