package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTriggerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_trigger_fires_total",
		Help: "Number of trigger firings, by trigger type.",
	}, []string{"type"})

	metricTriggerCooldownSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_trigger_cooldown_skips_total",
		Help: "Number of trigger matches suppressed by cooldown, by trigger type.",
	}, []string{"type"})

	metricTriggerActionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_trigger_action_failures_total",
		Help: "Number of failed action dispatches, by action type.",
	}, []string{"action"})

	metricMemoryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_memory_operations_total",
		Help: "Number of memory store operations, by operation.",
	}, []string{"op"})

	metricDecayDeletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_memory_decay_deletions_total",
		Help: "Number of memories deleted because their score decayed below the floor.",
	})

	metricExpiredDeletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_memory_expired_deletions_total",
		Help: "Number of memories deleted because their expiry passed.",
	})

	metricNotificationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_notification_queue_depth",
		Help: "Total notifications currently queued across all users.",
	})

	metricHeartbeatRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_heartbeat_behavior_runs_total",
		Help: "Number of heartbeat behavior executions, by behavior and outcome.",
	}, []string{"behavior", "outcome"})
)
