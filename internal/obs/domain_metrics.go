package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentProcessTotal counts strategy executions by method and outcome.
	PaymentProcessTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound gateway notifications by event and outcome.
	PaymentWebhookTotal *prometheus.CounterVec
	// SessionFallbackTotal counts session writes that could not reach the primary backend.
	SessionFallbackTotal prometheus.Counter
	// RepoRetryTotal counts repository retries by operation.
	RepoRetryTotal *prometheus.CounterVec
	// WebhookReprocessTotal counts background reprocessing outcomes.
	WebhookReprocessTotal *prometheus.CounterVec
	// GatewayLatency records outbound gateway call latency in milliseconds.
	GatewayLatency *prometheus.HistogramVec
	// NotifyDeliveryTotal counts outbound notifications by channel and outcome.
	NotifyDeliveryTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentProcessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_process_total",
			Help:      "Count of payment strategy executions by outcome.",
		}, []string{"method", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"event", "result"})
		SessionFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_store_fallback_total",
			Help:      "Session writes served by the in-process fallback.",
		})
		RepoRetryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repo_retry_total",
			Help:      "Repository retries after transient failures.",
		}, []string{"op"})
		WebhookReprocessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_reprocess_total",
			Help:      "Background webhook reprocessing outcomes.",
		}, []string{"result"})
		GatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_ms",
			Help:      "Latency for payment gateway calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"operation", "result"})
		NotifyDeliveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_delivery_total",
			Help:      "Outbound notifications by channel and outcome.",
		}, []string{"channel", "result"})

		register(reg, &PaymentProcessTotal)
		register(reg, &PaymentWebhookTotal)
		register(reg, &SessionFallbackTotal)
		register(reg, &RepoRetryTotal)
		register(reg, &WebhookReprocessTotal)
		register(reg, &GatewayLatency)
		register(reg, &NotifyDeliveryTotal)
	})
}

// The helpers below are safe to call before registration; tests that never
// register metrics hit the nil branch.

// ObservePayment increments PaymentProcessTotal.
func ObservePayment(method, result string) {
	if PaymentProcessTotal != nil {
		PaymentProcessTotal.WithLabelValues(method, result).Inc()
	}
}

// ObserveWebhook increments PaymentWebhookTotal.
func ObserveWebhook(event, result string) {
	if PaymentWebhookTotal != nil {
		PaymentWebhookTotal.WithLabelValues(event, result).Inc()
	}
}

// ObserveSessionFallback increments SessionFallbackTotal.
func ObserveSessionFallback() {
	if SessionFallbackTotal != nil {
		SessionFallbackTotal.Inc()
	}
}

// ObserveRepoRetry increments RepoRetryTotal.
func ObserveRepoRetry(op string) {
	if RepoRetryTotal != nil {
		RepoRetryTotal.WithLabelValues(op).Inc()
	}
}

// ObserveReprocess increments WebhookReprocessTotal.
func ObserveReprocess(result string) {
	if WebhookReprocessTotal != nil {
		WebhookReprocessTotal.WithLabelValues(result).Inc()
	}
}

// ObserveGateway records a gateway call latency sample.
func ObserveGateway(operation, result string, ms float64) {
	if GatewayLatency != nil {
		GatewayLatency.WithLabelValues(operation, result).Observe(ms)
	}
}

// ObserveNotify increments NotifyDeliveryTotal.
func ObserveNotify(channel, result string) {
	if NotifyDeliveryTotal != nil {
		NotifyDeliveryTotal.WithLabelValues(channel, result).Inc()
	}
}
