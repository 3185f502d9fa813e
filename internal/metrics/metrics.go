// Package metrics exposes Prometheus collectors for the item sink.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sinkItemsStoredTotal      *prometheus.CounterVec
	sinkDuplicateKeysTotal    prometheus.Counter
	sinkBufferFlushesTotal    prometheus.Counter
	sinkLargeObjectsTotal     prometheus.Counter
	sinkLargeObjectBytesTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sinkItemsStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sink_items_stored_total",
				Help: "Total number of items written, labeled by collection and write mode.",
			},
			[]string{"collection", "mode"},
		)

		sinkDuplicateKeysTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sink_duplicate_keys_total",
				Help: "Total number of duplicate-key violations observed during inserts.",
			},
		)

		sinkBufferFlushesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sink_buffer_flushes_total",
				Help: "Total number of batched buffer flushes.",
			},
		)

		sinkLargeObjectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sink_large_objects_total",
				Help: "Total number of field values routed to the large-object store.",
			},
		)

		sinkLargeObjectBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sink_large_object_bytes_total",
				Help: "Total bytes uploaded to the large-object store.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItemsStored increments the stored-items counter.
func ObserveItemsStored(collection, mode string, count int) {
	if sinkItemsStoredTotal == nil {
		return
	}
	sinkItemsStoredTotal.WithLabelValues(collection, mode).Add(float64(count))
}

// ObserveDuplicateKeys records duplicate-key violations.
func ObserveDuplicateKeys(count int) {
	if sinkDuplicateKeysTotal == nil {
		return
	}
	sinkDuplicateKeysTotal.Add(float64(count))
}

// ObserveBufferFlush increments the buffer flush counter.
func ObserveBufferFlush() {
	if sinkBufferFlushesTotal == nil {
		return
	}
	sinkBufferFlushesTotal.Inc()
}

// ObserveLargeObject records one upload to the large-object store.
func ObserveLargeObject(bytes int) {
	if sinkLargeObjectsTotal == nil {
		return
	}
	sinkLargeObjectsTotal.Inc()
	sinkLargeObjectBytesTotal.Add(float64(bytes))
}
