// Package metrics registers the gateway collectors on a private registry:
//
//	hermesgw_upstream_*   connector lifecycle and decoded updates
//	hermesgw_bus_*        fan-out drops
//	hermesgw_client_*     per-transport connections, deliveries and overruns
//	go_* and process_*    runtime collectors
//
// Handler exposes them for scraping; Snapshot flattens them for the runtime
// report and CloudWatch.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hermesgw"

var (
	// Registry holds the gateway collectors.
	Registry = prometheus.NewRegistry()

	upstreamConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "connects_total",
		Help:      "Upstream connections that reached the streaming state.",
	})

	upstreamDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "disconnects_total",
		Help:      "Upstream streams that ended, for any reason.",
	})

	upstreamResubscribes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "resubscribes_total",
		Help:      "Streams ended because the subscribed feed set changed.",
	})

	upstreamUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "updates_total",
		Help:      "Price updates decoded from upstream.",
	})

	upstreamDecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "decode_errors_total",
		Help:      "Upstream frames that could not be decoded.",
	})

	upstreamUnrequested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "unrequested_total",
		Help:      "Decoded updates for feeds no client is subscribed to any more.",
	})

	feedsSubscribed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "feeds_subscribed",
		Help:      "Feed identifiers in the current upstream subscription.",
	})

	busDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Updates published while no client was connected.",
	})

	clientsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "active",
		Help:      "Connected clients with a registered subscription.",
	}, []string{"transport"})

	clientUpdatesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "updates_sent_total",
		Help:      "Updates written to clients.",
	}, []string{"transport"})

	clientOverruns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "overruns_total",
		Help:      "Times a client fell behind the bus and skipped updates.",
	}, []string{"transport"})

	clientRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "rejected_total",
		Help:      "Connections closed before registering because the request was unreadable.",
	}, []string{"transport"})
)

func init() {
	Registry.MustRegister(
		upstreamConnects,
		upstreamDisconnects,
		upstreamResubscribes,
		upstreamUpdates,
		upstreamDecodeErrors,
		upstreamUnrequested,
		feedsSubscribed,
		busDropped,
		clientsActive,
		clientUpdatesSent,
		clientOverruns,
		clientRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func UpstreamConnected(feeds int) {
	upstreamConnects.Inc()
	feedsSubscribed.Set(float64(feeds))
}

func UpstreamDisconnected(resubscribe bool) {
	upstreamDisconnects.Inc()
	if resubscribe {
		upstreamResubscribes.Inc()
	}
}

func UpdateDecoded() {
	upstreamUpdates.Inc()
}

func DecodeFailed() {
	upstreamDecodeErrors.Inc()
}

func UpdateUnrequested() {
	upstreamUnrequested.Inc()
}

func UpdateDropped() {
	busDropped.Inc()
}

func ClientConnected(transport string) {
	clientsActive.WithLabelValues(transport).Inc()
}

func ClientDisconnected(transport string) {
	clientsActive.WithLabelValues(transport).Dec()
}

func ClientRejected(transport string) {
	clientRejected.WithLabelValues(transport).Inc()
}

func UpdateSent(transport string) {
	clientUpdatesSent.WithLabelValues(transport).Inc()
}

func ClientOverrun(transport string) {
	clientOverruns.WithLabelValues(transport).Inc()
}
