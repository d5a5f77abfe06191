package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts payment intent creation outcomes.
	PaymentIntentTotal *prometheus.CounterVec
	// WebhookEventsTotal counts inbound gateway webhook processing outcomes.
	WebhookEventsTotal *prometheus.CounterVec
	// OrdersFinalizedTotal counts orders materialized by the finalizer.
	OrdersFinalizedTotal *prometheus.CounterVec
	// PricingComputeDuration records pricing snapshot computation latency.
	PricingComputeDuration prometheus.Histogram
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_total",
			Help:      "Count of payment intent creation outcomes.",
		}, []string{"result"})
		WebhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Count of processed gateway webhooks by outcome.",
		}, []string{"result"})
		OrdersFinalizedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_finalized_total",
			Help:      "Count of orders materialized by the finalizer, by status.",
		}, []string{"status"})
		PricingComputeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pricing_compute_duration_ms",
			Help:      "Latency of pricing snapshot computation in milliseconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
		})

		mustRegisterCollector(reg, PaymentIntentTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentIntentTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookEventsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookEventsTotal = v
			}
		})
		mustRegisterCollector(reg, OrdersFinalizedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OrdersFinalizedTotal = v
			}
		})
		mustRegisterCollector(reg, PricingComputeDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				PricingComputeDuration = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
