// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package registry

import "github.com/prometheus/client_golang/prometheus"

// Status constants for type registration metrics.
const (
	StatusRegistered = "registered"
	StatusDuplicate  = "duplicate"
	StatusUnknownSet = "unknown_set"
)

// TypeRegistrations counts constructor registrations by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var TypeRegistrations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "holoflow_type_registrations_total",
		Help: "Total number of node type constructor registrations",
	},
	[]string{"status"},
)

// ConfigCacheRebuilds counts combined config rebuilds.
// Use RegisterMetrics to register this with a Prometheus registry.
var ConfigCacheRebuilds = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "holoflow_config_cache_rebuilds_total",
		Help: "Total number of combined node config cache rebuilds",
	},
)

// RegisterMetrics registers registry metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(TypeRegistrations)
	reg.MustRegister(ConfigCacheRebuilds)
}

func recordRegistration(status string) {
	TypeRegistrations.WithLabelValues(status).Inc()
}
