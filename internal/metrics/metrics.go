package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TenantsByStatus tracks the number of tenants in each subscription status.
	TenantsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "duka",
		Subsystem: "billing",
		Name:      "tenants_by_status",
		Help:      "Number of tenants by derived subscription status.",
	}, []string{"status"})

	// TransactionsTotal counts payment transactions by purpose and outcome.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "billing",
		Name:      "transactions_total",
		Help:      "Total payment transactions by purpose and terminal status.",
	}, []string{"purpose", "status"})

	// VerifyDuration tracks end-to-end verify latency including the gateway call.
	VerifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "duka",
		Subsystem: "billing",
		Name:      "verify_duration_seconds",
		Help:      "Transaction verification duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	// GatewayRequestsTotal counts outbound payment gateway calls.
	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "billing",
		Name:      "gateway_requests_total",
		Help:      "Total payment gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	// WebhookRequestsTotal counts gateway webhook deliveries by event and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total gateway webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// BranchesExpired counts branches swept to unpaid by the expiry enforcer.
	BranchesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "billing",
		Name:      "branches_expired_total",
		Help:      "Branches whose subscriptions were expired by the sweeper.",
	})

	// TransactionsAbandoned counts pending transactions failed by the TTL sweep.
	TransactionsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "billing",
		Name:      "transactions_abandoned_total",
		Help:      "Pending transactions marked failed after the abandonment window.",
	})

	// AdminActionsTotal counts admin mutations by action.
	AdminActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duka",
		Subsystem: "billing",
		Name:      "admin_actions_total",
		Help:      "Total admin actions recorded in the activity log.",
	}, []string{"action"})
)
