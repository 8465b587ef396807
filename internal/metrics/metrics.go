// Package metrics holds the host's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hana_broadcasts_total",
			Help: "Messages broadcast to UI clients",
		},
		[]string{"type", "class"},
	)

	Coalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hana_coalesced_total",
			Help: "Messages superseded within one coalescing tick",
		},
		[]string{"type"},
	)

	Clients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hana_clients",
			Help: "Connected UI clients",
		},
	)

	SidecarStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hana_sidecar_starts_total",
			Help: "Sidecar process starts",
		},
		[]string{"sidecar", "restart"},
	)

	SidecarExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hana_sidecar_exits_total",
			Help: "Sidecar process exits",
		},
		[]string{"sidecar", "clean"},
	)

	NoiseLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hana_sidecar_noise_lines_total",
			Help: "Non-protocol output lines from sidecars",
		},
		[]string{"sidecar", "level"},
	)

	TTSJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hana_tts_jobs_total",
			Help: "TTS stream job lifecycle events",
		},
		[]string{"event"},
	)

	ConfigWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hana_config_writes_total",
			Help: "Configuration document writes to disk",
		},
	)

	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hana_dispatch_errors_total",
			Help: "Inbound messages whose handler failed",
		},
		[]string{"type"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
