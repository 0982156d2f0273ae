package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// BookingAttemptsTotal counts booking attempts by settlement path and outcome.
	BookingAttemptsTotal *prometheus.CounterVec
	// BookingTransitionsTotal counts booking state transitions.
	BookingTransitionsTotal *prometheus.CounterVec
	// LedgerOperationsTotal counts ledger debit/credit/reverse outcomes.
	LedgerOperationsTotal *prometheus.CounterVec
	// LedgerIntegrityFailures counts ledgers frozen after failing verification.
	LedgerIntegrityFailures prometheus.Counter
	// CheckoutSessionsTotal counts checkout session creation outcomes per provider.
	CheckoutSessionsTotal *prometheus.CounterVec
	// CheckoutSessionLatency records session creation latency in milliseconds.
	CheckoutSessionLatency *prometheus.HistogramVec
	// SettlementWebhooksTotal counts inbound settlement callbacks by outcome.
	SettlementWebhooksTotal *prometheus.CounterVec
	// ReconcileActionsTotal counts how dangling debits were resolved.
	ReconcileActionsTotal *prometheus.CounterVec
	// WebhookDeliveriesTotal counts outbound partner webhook deliveries by outcome.
	WebhookDeliveriesTotal *prometheus.CounterVec
	// RateLimitedTotal counts requests rejected by a rate limiter.
	RateLimitedTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		BookingAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_attempts_total",
			Help:      "Count of booking attempts by settlement path and result.",
		}, []string{"path", "result"})
		BookingTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Count of booking state transitions.",
		}, []string{"from", "to"})
		LedgerOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Count of credit ledger operations by outcome.",
		}, []string{"op", "result"})
		LedgerIntegrityFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_integrity_failures_total",
			Help:      "Number of user ledgers frozen after failing verification.",
		})
		CheckoutSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_sessions_total",
			Help:      "Count of checkout session creation outcomes.",
		}, []string{"provider", "result"})
		CheckoutSessionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_session_duration_ms",
			Help:      "Latency for checkout session creation in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"provider"})
		SettlementWebhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_webhooks_total",
			Help:      "Count of processed settlement webhooks by outcome.",
		}, []string{"provider", "result"})
		ReconcileActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_actions_total",
			Help:      "Count of dangling debit reconciliations by action.",
		}, []string{"action"})
		WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Count of outbound webhook deliveries by outcome.",
		}, []string{"result"})
		RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Count of requests rejected by rate limiting.",
		}, []string{"limiter"})

		mustRegisterCollector(reg, BookingAttemptsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				BookingAttemptsTotal = v
			}
		})
		mustRegisterCollector(reg, BookingTransitionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				BookingTransitionsTotal = v
			}
		})
		mustRegisterCollector(reg, LedgerOperationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				LedgerOperationsTotal = v
			}
		})
		mustRegisterCollector(reg, LedgerIntegrityFailures, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				LedgerIntegrityFailures = v
			}
		})
		mustRegisterCollector(reg, CheckoutSessionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CheckoutSessionsTotal = v
			}
		})
		mustRegisterCollector(reg, CheckoutSessionLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				CheckoutSessionLatency = v
			}
		})
		mustRegisterCollector(reg, SettlementWebhooksTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SettlementWebhooksTotal = v
			}
		})
		mustRegisterCollector(reg, ReconcileActionsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ReconcileActionsTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookDeliveriesTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookDeliveriesTotal = v
			}
		})
		mustRegisterCollector(reg, RateLimitedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RateLimitedTotal = v
			}
		})
	})
}

// CountLedger increments the ledger counter when domain metrics are registered.
func CountLedger(op, result string) {
	if LedgerOperationsTotal != nil {
		LedgerOperationsTotal.WithLabelValues(op, result).Inc()
	}
}

// CountBookingAttempt increments the booking attempt counter when registered.
func CountBookingAttempt(path, result string) {
	if BookingAttemptsTotal != nil {
		BookingAttemptsTotal.WithLabelValues(path, result).Inc()
	}
}

// CountTransition increments the transition counter when registered.
func CountTransition(from, to string) {
	if BookingTransitionsTotal != nil {
		BookingTransitionsTotal.WithLabelValues(from, to).Inc()
	}
}

// CountReconcile increments the reconcile counter when registered.
func CountReconcile(action string) {
	if ReconcileActionsTotal != nil {
		ReconcileActionsTotal.WithLabelValues(action).Inc()
	}
}

// CountWebhookDelivery increments the outbound webhook counter when registered.
func CountWebhookDelivery(result string) {
	if WebhookDeliveriesTotal != nil {
		WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	}
}

// CountRateLimited increments the rejected request counter for a limiter.
func CountRateLimited(limiter string) {
	if RateLimitedTotal == nil {
		return
	}
	if limiter == "" {
		limiter = "default"
	}
	RateLimitedTotal.WithLabelValues(limiter).Inc()
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
