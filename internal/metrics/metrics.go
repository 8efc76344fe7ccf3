// Package metrics defines the Prometheus collectors exposed by PageFlow
// services and the HTTP handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UploadsTotal counts upload attempts by outcome
	// (created, accepted, rejected, failed).
	UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pageflow_uploads_total",
		Help: "Document upload attempts by outcome.",
	}, []string{"outcome"})

	// JobsTotal counts worker jobs by terminal status.
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pageflow_jobs_total",
		Help: "Processing jobs by terminal status.",
	}, []string{"status"})

	// EventsPublished counts progress events published to the channel.
	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pageflow_events_published_total",
		Help: "Progress events published to the event channel.",
	})

	// ActiveStreams tracks currently open SSE connections.
	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pageflow_active_streams",
		Help: "Open progress stream connections.",
	})

	// CollabClients tracks currently connected collaboration sockets.
	CollabClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pageflow_collab_clients",
		Help: "Connected collaboration websocket clients.",
	})
)

var allMetrics = []prometheus.Collector{
	UploadsTotal,
	JobsTotal,
	EventsPublished,
	ActiveStreams,
	CollabClients,
}

// Handler returns an HTTP handler serving all PageFlow metrics plus the Go
// runtime collectors on a dedicated registry.
func Handler() http.Handler {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
