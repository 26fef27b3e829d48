// Package metrics provides Prometheus instrumentation for AgentCom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcom_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentcom_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcom_active_sessions",
		Help: "Number of currently connected agent sessions.",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcom_ws_frames_received_total",
		Help: "Total number of WebSocket frames received, by type.",
	}, []string{"type"})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcom_ws_frames_sent_total",
		Help: "Total number of WebSocket frames sent, by type.",
	}, []string{"type"})

	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcom_sessions_reaped_total",
		Help: "Total number of idle sessions closed by the reaper.",
	})
)

// Messaging metrics.
var (
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcom_messages_routed_total",
		Help: "Total number of routed messages, by outcome.",
	}, []string{"outcome"})

	MailboxEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcom_mailbox_enqueued_total",
		Help: "Total number of messages enqueued into mailboxes.",
	})

	MailboxEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcom_mailbox_evicted_total",
		Help: "Total number of mailbox entries evicted, by reason.",
	}, []string{"reason"})

	ChannelPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcom_channel_messages_total",
		Help: "Total number of messages published to channels.",
	})

	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcom_bus_events_dropped_total",
		Help: "Total number of bus events dropped due to full subscriber queues.",
	}, []string{"topic"})
)

// Rate-limit metrics.
var (
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcom_ratelimit_decisions_total",
		Help: "Total number of rate-limit decisions, by verdict.",
	}, []string{"verdict"})

	RateLimitViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcom_ratelimit_violations_total",
		Help: "Total number of recorded rate-limit violations.",
	})
)

// Task metrics.
var (
	TaskEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcom_task_events_total",
		Help: "Total number of task lifecycle events, by kind.",
	}, []string{"kind"})

	GenerationFenceDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcom_task_generation_fence_drops_total",
		Help: "Total number of task lifecycle frames dropped by the generation fence.",
	})

	GoalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcom_goal_transitions_total",
		Help: "Total number of goal status transitions, by new status.",
	}, []string{"status"})

	ClassifierDisagreements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcom_classifier_disagreements_total",
		Help: "Total number of explicit-tier submissions disagreeing with the inferred tier.",
	})

	RouterFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcom_task_router_fallbacks_total",
		Help: "Total number of routing decisions that fell back for lack of endpoints.",
	})
)

// Persistence metrics.
var (
	CorruptionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcom_kv_corruption_events_total",
		Help: "Total number of detected table corruption events, by table.",
	}, []string{"table"})

	BackupsTaken = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcom_backups_taken_total",
		Help: "Total number of table backups written.",
	})

	BackupRestores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcom_backup_restores_total",
		Help: "Total number of tables restored from backup.",
	})
)
