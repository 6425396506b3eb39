package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the broker. Scraped from the address configured by
// BROKER_METRICS_ADDR (spec.md §11 DOMAIN STACK).
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_connections_total",
		Help: "Total number of TCP connections accepted.",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_connections_active",
		Help: "Current number of live TCP connections.",
	})

	ConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_connections_rejected_total",
		Help: "Connections refused because max_tcp_clients was reached.",
	})

	ConnectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_connections_max",
		Help: "Configured hard cap on concurrent connections.",
	})

	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "Total publish entries accepted across all connections.",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_delivered_total",
		Help: "Total entries enqueued into subscriber mailboxes.",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_bytes_received_total",
		Help: "Total bytes read from client connections.",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_bytes_sent_total",
		Help: "Total bytes written to client connections.",
	})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_subscriptions_active",
		Help: "Current number of live (Queue, Topic) subscription pairs.",
	})

	FanoutWarningsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_fanout_warnings_total",
		Help: "Publishes whose per-shard subscriber fan-out exceeded the warning threshold.",
	})

	PublishTopicsWarningsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_publish_topics_warnings_total",
		Help: "Publishes whose topic count exceeded the warning threshold.",
	})

	ProtocolErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_protocol_errors_total",
		Help: "Connections closed due to a protocol-fatal condition, by kind.",
	}, []string{"kind"})

	IdleTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_idle_timeouts_total",
		Help: "Connections closed for exceeding the idle timeout.",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_process_cpu_percent",
		Help: "Ambient system-wide CPU usage sampled via gopsutil.",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_process_memory_bytes",
		Help: "Ambient Go heap bytes allocated, sampled via runtime.MemStats.Alloc.",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_goroutines_active",
		Help: "Current goroutine count.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		ConnectionsMax,
		MessagesPublished,
		MessagesDelivered,
		BytesReceived,
		BytesSent,
		SubscriptionsActive,
		FanoutWarningsTotal,
		PublishTopicsWarningsTotal,
		ProtocolErrorsTotal,
		IdleTimeoutsTotal,
		CPUUsagePercent,
		MemoryUsageBytes,
		GoroutinesActive,
	)
}

// Handler returns the Prometheus scrape handler for mounting on the
// metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
