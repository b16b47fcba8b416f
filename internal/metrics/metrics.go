package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Recalculations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_recalculations_total",
			Help: "Full queue recalculations run",
		})

	RecalculationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_recalculation_seconds",
			Help:    "Duration of a full queue recalculation",
			Buckets: prometheus.DefBuckets,
		})

	ActiveQueueItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_active_queue_items",
			Help: "Queued and in-progress items seen by the last recalculation",
		})

	SchedulesChanged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_schedules_changed_total",
			Help: "Queue item schedules rewritten by recalculations",
		})

	RoutedUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_routed_units_total",
			Help: "Units routed by demand routing, by target",
		}, []string{"target"})

	AllocatedUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_committed_units_total",
			Help: "Units committed from finished stock, by stage and source",
		}, []string{"stage", "source"})

	MovedUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_moved_units_total",
			Help: "Units moved between fulfillment stages",
		}, []string{"from", "to"})

	StageAdvancedUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_advanced_units_total",
			Help: "Units advanced between production stages",
		}, []string{"from", "to"})

	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensations_total",
			Help: "Multi-step operations rolled back",
		}, []string{"operation"})

	CompensationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_failures_total",
			Help: "Reverse writes that failed during a rollback",
		}, []string{"operation"})

	HistoryPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "history_publish_failures_total",
			Help: "History events that could not be published",
		})

	ConsumedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_events_total",
			Help: "Events handled by consumers, by topic and result",
		}, []string{"topic", "result"})
)
