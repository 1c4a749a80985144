package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of scheduled tasks by priority.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oamwatch_queue_depth",
		Help: "Current number of tasks in the scheduling queue",
	}, []string{"priority"})

	// SchedulerLoopDuration tracks one pass of the scheduler loop.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oamwatch_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler batch cycle",
		Buckets: prometheus.DefBuckets,
	})

	// CheckResults counts observed probe outcomes by status.
	CheckResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oamwatch_check_results_total",
		Help: "Total probe results by resulting status",
	}, []string{"status"})

	// StatusChanges counts detected upstream transitions.
	StatusChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oamwatch_status_changes_total",
		Help: "Total status transitions observed upstream",
	})

	// NotificationsSent counts delivered notifications by kind.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oamwatch_notifications_sent_total",
		Help: "Total notifications delivered by kind",
	}, []string{"kind"})

	// NotificationsDropped counts messages lost to a full queue or transport
	// failure.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oamwatch_notifications_dropped_total",
		Help: "Total notifications dropped by reason",
	}, []string{"reason"})

	// EmailSendDuration tracks SMTP delivery latency.
	EmailSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oamwatch_email_send_duration_seconds",
		Help:    "Duration of one SMTP delivery",
		Buckets: prometheus.DefBuckets,
	})

	// ConfigReloads counts differential reload outcomes.
	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oamwatch_config_reloads_total",
		Help: "Total configuration reloads by outcome",
	}, []string{"outcome"})

	// APIRequests counts control-plane requests by endpoint and status class.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oamwatch_api_requests_total",
		Help: "Total API requests by endpoint and status",
	}, []string{"endpoint", "status"})
)
