package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startTime = time.Now()

	// UptimeSeconds tracks the engine uptime in seconds
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "uptime_seconds",
		Help:      "Time passed since the engine started in seconds",
	})

	// Memory usage metrics
	MemoryUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "memory_usage_bytes",
		Help:      "Total memory consumption",
	})

	// CPU usage metrics
	CPUUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "cpu_usage_percent",
		Help:      "CPU utilization percentage",
	})

	// Goroutines active metrics
	GoroutinesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "goroutines_active",
		Help:      "Number of active goroutines",
	})

	// Ledger events processed, by event kind
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "events_processed_total",
		Help:      "Total marketplace events processed, by kind",
	}, []string{"kind"})

	// Events replayed during crash recovery
	EventsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "events_replayed_total",
		Help:      "Total marketplace events replayed during recovery",
	})

	// Watcher checkpoint position
	CheckpointBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "checkpoint_block",
		Help:      "Last ledger block fully processed by the watcher",
	})

	// Jobs currently tracked, by status
	JobsTracked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "jobs_tracked",
		Help:      "Jobs currently tracked by the lifecycle registry, by status",
	}, []string{"status"})

	// Tasks currently tracked, by status
	TasksTracked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "tasks_tracked",
		Help:      "Tasks currently tracked by the lifecycle registry, by status",
	}, []string{"status"})

	// Verification outcomes
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "verifications_total",
		Help:      "Proof verification pipeline outcomes",
	}, []string{"outcome"})

	// Oracle calls issued, by operation and result
	OracleCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "oracle_calls_total",
		Help:      "LLM oracle calls issued, by operation and result",
	}, []string{"operation", "result"})

	// Treasury aggregates, in wei
	TreasuryCostWei = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "treasury_cost_wei",
		Help:      "Cumulative operating cost in wei",
	})

	TreasuryRevenueWei = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "treasury_revenue_wei",
		Help:      "Cumulative revenue in wei",
	})

	// Self-sufficiency of the agent
	SustainabilityRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskhive",
		Subsystem: "engine",
		Name:      "sustainability_ratio",
		Help:      "Revenue divided by cost; above 1 means the agent pays for itself",
	})
)
