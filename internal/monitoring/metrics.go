package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway.
// Scraped from /metrics and visualized in Grafana.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_gateway_connections_active",
		Help: "Current number of live sessions",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_connections_failed_total",
		Help: "Total number of failed or rejected upgrade attempts",
	})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_connection_rate_limited_total",
		Help: "Upgrade attempts rejected by the connection rate limiter",
	}, []string{"scope"})

	capacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_capacity_rejections_total",
		Help: "Upgrade attempts rejected by the resource guard, by reason",
	}, []string{"reason"})

	// Disconnects are labelled with the application close reason
	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_disconnects_total",
		Help: "Sessions ended, by close reason",
	}, []string{"reason"})

	sessionsAuthenticated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_sessions_authenticated_total",
		Help: "Sessions that completed StartSession",
	})

	// Frame metrics
	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_frames_received_total",
		Help: "Frames received from clients, by opcode",
	}, []string{"opcode"})

	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_frames_sent_total",
		Help: "Frames sent to clients, by opcode",
	}, []string{"opcode"})

	// Broker metrics
	brokerDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_broker_deliveries_total",
		Help: "Messages delivered by the pub/sub store to this process",
	})

	brokerDecodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_broker_decode_failures_total",
		Help: "Store-delivered messages dropped because they could not be decoded",
	})

	brokerHandlerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_broker_handler_errors_total",
		Help: "Local handler invocations that returned an error or panicked",
	})

	brokerChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_gateway_broker_channels",
		Help: "Channels with at least one local subscriber (store subscriptions held)",
	})

	// ID generator metrics
	idsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_ids_generated_total",
		Help: "Snowflake identifiers generated by this process",
	})

	leaseRenewFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_node_lease_renew_failures_total",
		Help: "Failed node lease renewals",
	})

	// Ingest metrics
	ingestRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_ingest_records_total",
		Help: "Kafka records consumed by the ingest bridge, by result",
	}, []string{"result"})

	// Resource metrics
	goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_gateway_goroutines",
		Help: "Goroutines as sampled by the resource guard",
	})

	cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_gateway_cpu_percent",
		Help: "Process CPU usage percent as sampled by the resource guard",
	})

	memoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_gateway_memory_rss_bytes",
		Help: "Process resident memory as sampled by the resource guard",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		connectionRateLimited,
		capacityRejections,
		disconnectsTotal,
		sessionsAuthenticated,
		framesReceived,
		framesSent,
		brokerDeliveries,
		brokerDecodeFailures,
		brokerHandlerErrors,
		brokerChannels,
		idsGenerated,
		leaseRenewFailures,
		ingestRecords,
		goroutines,
		cpuPercent,
		memoryBytes,
	)
}

// HandleMetrics serves the Prometheus exposition format.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

func RecordDisconnect(reason string) {
	disconnectsTotal.WithLabelValues(reason).Inc()
}

func RecordAuthenticated() {
	sessionsAuthenticated.Inc()
}

func RecordFrameReceived(opcode string) {
	framesReceived.WithLabelValues(opcode).Inc()
}

func RecordFrameSent(opcode string) {
	framesSent.WithLabelValues(opcode).Inc()
}

func RecordBrokerDelivery() {
	brokerDeliveries.Inc()
}

func RecordBrokerDecodeFailure() {
	brokerDecodeFailures.Inc()
}

func RecordBrokerHandlerError() {
	brokerHandlerErrors.Inc()
}

func SetBrokerChannels(n int) {
	brokerChannels.Set(float64(n))
}

func RecordIDGenerated() {
	idsGenerated.Inc()
}

func RecordLeaseRenewFailure() {
	leaseRenewFailures.Inc()
}

func IncrementCapacityRejection(reason string) {
	capacityRejections.WithLabelValues(reason).Inc()
}

// RecordIngest counts a consumed Kafka record as "published", "invalid" or "failed".
func RecordIngest(result string) {
	ingestRecords.WithLabelValues(result).Inc()
}

func SetResourceUsage(cpu float64, rssBytes uint64, numGoroutines int) {
	cpuPercent.Set(cpu)
	memoryBytes.Set(float64(rssBytes))
	goroutines.Set(float64(numGoroutines))
}
