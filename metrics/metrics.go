package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OplogEntriesAppendedTotal tracks oplog entries made durable by commits.
var OplogEntriesAppendedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "durable_executor_oplog_entries_appended_total",
		Help: "Total oplog entries committed to storage",
	},
	[]string{"executor"},
)

// OplogCommitDuration tracks the latency of committing buffered oplog entries.
var OplogCommitDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "durable_executor_oplog_commit_duration_seconds",
		Help:    "Time spent committing buffered oplog entries",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"executor"},
)

// ReplayedEntriesTotal tracks oplog entries consumed by replay.
var ReplayedEntriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "durable_executor_replayed_entries_total",
		Help: "Total oplog entries consumed during replay",
	},
	[]string{"executor"},
)

// DivergencesTotal tracks replay divergences.
var DivergencesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "durable_executor_divergences_total",
		Help: "Total replay divergences detected",
	},
	[]string{"executor"},
)

// SyncQueueDepth tracks pending sync-helper operations across all workers.
var SyncQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "durable_executor_sync_queue_depth",
		Help: "Pending oplog writes and skip verifications",
	},
	[]string{"executor"},
)

// SyncWaitDuration tracks how long sync points wait for the queue to drain.
var SyncWaitDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "durable_executor_sync_wait_duration_seconds",
		Help:    "Time spent waiting for a sync permit",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"executor"},
)

// InvocationsTotal tracks completed invocations by outcome.
var InvocationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "durable_executor_invocations_total",
		Help: "Total invocations by outcome",
	},
	[]string{"executor", "outcome"},
)

// InvocationDuration tracks invocation latency including the final sync.
var InvocationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "durable_executor_invocation_duration_seconds",
		Help:    "Invocation latency",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"executor"},
)

// InterruptsTotal tracks worker interruptions by kind.
var InterruptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "durable_executor_interrupts_total",
		Help: "Total worker interruptions",
	},
	[]string{"executor", "kind"},
)

// WorkerTransitionsTotal tracks worker status transitions.
var WorkerTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "durable_executor_worker_transitions_total",
		Help: "Total worker status transitions by target status",
	},
	[]string{"executor", "status"},
)

// ActiveWorkers tracks workers currently loaded in memory.
var ActiveWorkers = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "durable_executor_active_workers",
		Help: "Workers currently loaded in memory",
	},
	[]string{"executor"},
)

// OwnedShards tracks shards assigned to this executor.
var OwnedShards = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "durable_executor_owned_shards",
		Help: "Shards currently owned by this executor",
	},
	[]string{"executor"},
)

// ShardRevisionsTotal tracks shard table revisions applied.
var ShardRevisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "durable_executor_shard_revisions_total",
		Help: "Total shard table revisions applied",
	},
	[]string{"executor"},
)

// HostsRegisteredTotal tracks executor host registrations.
var HostsRegisteredTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "durable_executor_hosts_registered_total",
		Help: "Total executor hosts registered",
	},
	[]string{"executor"},
)

// StaleHostsCleanedTotal tracks stale executor hosts marked dead.
var StaleHostsCleanedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "durable_executor_stale_hosts_cleaned_total",
		Help: "Total stale executor hosts cleaned up",
	},
	[]string{"executor"},
)

// HeartbeatLatency tracks heartbeat round-trip latency.
var HeartbeatLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "durable_executor_heartbeat_latency_seconds",
		Help:    "Heartbeat round-trip latency",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"executor"},
)
