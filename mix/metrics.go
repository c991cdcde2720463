package mix

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics with bounded cardinality: the only label is the layer
// name, which the host controls and keeps small.
var (
	activeSources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soundlayer_layer_active_sources",
		Help: "Sources currently occupying a concurrency slot",
	}, []string{"layer"})

	waitingSources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soundlayer_layer_waiting_sources",
		Help: "Sources queued behind the concurrency limit",
	}, []string{"layer"})

	fadingSources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soundlayer_layer_fading_sources",
		Help: "Sources in a crossfade tail, mixed but not holding a slot",
	}, []string{"layer"})

	chunksMixed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soundlayer_chunks_mixed_total",
		Help: "Chunks produced by the master bus",
	})

	sourceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soundlayer_source_errors_total",
		Help: "Sources that entered the error state",
	})

	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soundlayer_evictions_total",
		Help: "Sources evicted by replace mode",
	})
)
