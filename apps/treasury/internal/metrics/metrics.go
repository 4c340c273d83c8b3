package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Payout engine
	EngineTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "engine",
		Name:      "ticks_total",
		Help:      "Total scheduler ticks by outcome",
	}, []string{"outcome"})

	EngineTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treasury",
		Subsystem: "engine",
		Name:      "tick_duration_seconds",
		Help:      "Scheduler tick processing duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	PayoutDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "engine",
		Name:      "payout_decisions_total",
		Help:      "Payout requests by risk tier and resulting status",
	}, []string{"tier", "status"})

	// Execution
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "execution",
		Name:      "submissions_total",
		Help:      "On-chain submissions by path and result",
	}, []string{"path", "result"})

	ExecutionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "execution",
		Name:      "retries_total",
		Help:      "Retried submission attempts by path",
	}, []string{"path"})

	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "treasury",
		Subsystem: "execution",
		Name:      "duration_seconds",
		Help:      "Submission duration including confirmation wait",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"path"})

	// Multisig
	SignaturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "multisig",
		Name:      "signatures_total",
		Help:      "Signature submissions by result",
	}, []string{"result"})

	TransactionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "multisig",
		Name:      "transitions_total",
		Help:      "Multisig transaction status transitions",
	}, []string{"status"})

	// Control plane
	ControlActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "control",
		Name:      "actions_total",
		Help:      "Emergency control actions by kind and result",
	}, []string{"action", "result"})

	// Audit outbox
	AuditPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "audit",
		Name:      "published_total",
		Help:      "Audit entries published to the stream by result",
	}, []string{"result"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts sent by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown",
	}, []string{"type"})

	// Intake
	IntakeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "intake",
		Name:      "messages_total",
		Help:      "Payout intake messages by result",
	}, []string{"result"})
)
