package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_queued_total",
			Help: "Messages accepted into the queue by channel and priority",
		},
		[]string{"channel", "priority"},
	)

	messagesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_suppressed_total",
			Help: "Sends skipped by the suppression filter",
		},
		[]string{"channel", "reason"},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatch_outcomes_total",
			Help: "Dispatch results by channel, provider, and outcome",
		},
		[]string{"channel", "provider", "outcome"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_send_latency_seconds",
			Help:    "Provider send call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel", "provider"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time from enqueue to provider-confirmed delivery",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"channel"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_webhook_events_total",
			Help: "Normalized provider callbacks by provider, event, and duplicate flag",
		},
		[]string{"provider", "event", "duplicate"},
	)

	claimConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_claim_conflicts_total",
			Help: "Conditional updates lost to a concurrent writer",
		},
		[]string{"component"},
	)

	channelHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_channel_health_status",
			Help: "Channel health: 0 healthy, 1 degraded, 2 down",
		},
		[]string{"channel", "provider"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_sqs_messages_in_flight",
			Help: "Current SES notifications being processed from SQS",
		},
	)

	streamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_stream_clients",
			Help: "Connected status stream websocket clients",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Sends rejected by the per-recipient rate limiter",
		},
		[]string{"channel"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMessageQueued records a message entering the queue
func RecordMessageQueued(channel, priority string) {
	messagesQueued.WithLabelValues(channel, priority).Inc()
}

// RecordMessageSuppressed records a send skipped by suppression
func RecordMessageSuppressed(channel, reason string) {
	messagesSuppressed.WithLabelValues(channel, reason).Inc()
}

// RecordDispatch records a dispatcher outcome (sent, failed, retry, deferred, suppressed)
func RecordDispatch(channel, provider, outcome string) {
	dispatchOutcomes.WithLabelValues(channel, provider, outcome).Inc()
}

// RecordSendLatency records how long a provider call took
func RecordSendLatency(channel, provider string, d time.Duration) {
	sendLatency.WithLabelValues(channel, provider).Observe(d.Seconds())
}

// RecordDeliveryLatency records end-to-end time until delivery was confirmed
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordWebhookEvent records one normalized provider callback
func RecordWebhookEvent(provider, event string, duplicate bool) {
	webhookEvents.WithLabelValues(provider, event, strconv.FormatBool(duplicate)).Inc()
}

// RecordClaimConflict records a lost compare-and-set
func RecordClaimConflict(component string) {
	claimConflicts.WithLabelValues(component).Inc()
}

// SetChannelHealth publishes the health level of a channel/provider pair
func SetChannelHealth(channel, provider string, level int) {
	channelHealth.WithLabelValues(channel, provider).Set(float64(level))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// SetStreamClients sets the number of connected stream clients
func SetStreamClients(count int) {
	streamClients.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(channel string) {
	rateLimitRejections.WithLabelValues(channel).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled by chi route pattern so uuids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
