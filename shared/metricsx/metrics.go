package metricsx

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dispatched_total",
			Help: "Events handled by the router by type and outcome.",
		},
		[]string{"type", "status"},
	)
	taskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_transitions_total",
			Help: "Task status transitions by target status.",
		},
		[]string{"status"},
	)
	workflowInstances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_instances_total",
			Help: "Workflow instances by terminal or starting status.",
		},
		[]string{"status"},
	)
	schedulerFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_fired_total",
			Help: "Scheduled jobs fired.",
		},
	)
	schedulerTickLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Scheduler tick processing latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	channelDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_deliveries_total",
			Help: "Outbound channel deliveries by channel and outcome.",
		},
		[]string{"channel", "status"},
	)
	agentInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_invocations_total",
			Help: "Agent invocations by outcome.",
		},
		[]string{"status"},
	)
	agentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_invoke_latency_seconds",
			Help:    "Agent invocation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, kafkaConsumerLag, influxWriteFailures,
		eventsDispatched, taskTransitions, workflowInstances, schedulerFired, schedulerTickLatency,
		channelDeliveries, agentInvocations, agentLatency, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument collapses uuid path segments to ":id" before labelling.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := routeLabel(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncEventDispatched(eventType string, status string) {
	eventsDispatched.WithLabelValues(eventType, status).Inc()
}

func IncTaskTransition(status string) {
	taskTransitions.WithLabelValues(status).Inc()
}

func IncWorkflowInstance(status string) {
	workflowInstances.WithLabelValues(status).Inc()
}

func IncSchedulerFired() {
	schedulerFired.Inc()
}

func ObserveSchedulerTick(d time.Duration) {
	schedulerTickLatency.Observe(d.Seconds())
}

func IncChannelDelivery(channel string, status string) {
	channelDeliveries.WithLabelValues(channel, status).Inc()
}

func IncAgentInvocation(status string) {
	agentInvocations.WithLabelValues(status).Inc()
}

func ObserveAgentLatency(d time.Duration) {
	agentLatency.Observe(d.Seconds())
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func routeLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if _, err := uuid.Parse(p); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
