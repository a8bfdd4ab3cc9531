package metrics

import "time"

// Collector wraps metrics and provides helper methods with the executor label pre-filled.
type Collector struct {
	executor string
}

// NewCollector creates a new Collector for the given executor host.
func NewCollector(executor string) *Collector {
	return &Collector{executor: executor}
}

// AddOplogEntriesAppended adds n committed entries.
func (c *Collector) AddOplogEntriesAppended(n int) {
	OplogEntriesAppendedTotal.WithLabelValues(c.executor).Add(float64(n))
}

// ObserveOplogCommit records a commit duration.
func (c *Collector) ObserveOplogCommit(d time.Duration) {
	OplogCommitDuration.WithLabelValues(c.executor).Observe(d.Seconds())
}

// IncReplayedEntries increments the replayed entries counter.
func (c *Collector) IncReplayedEntries() {
	ReplayedEntriesTotal.WithLabelValues(c.executor).Inc()
}

// IncDivergences increments the divergence counter.
func (c *Collector) IncDivergences() {
	DivergencesTotal.WithLabelValues(c.executor).Inc()
}

// AddSyncQueueDepth adjusts the queue depth gauge by delta.
func (c *Collector) AddSyncQueueDepth(delta int) {
	SyncQueueDepth.WithLabelValues(c.executor).Add(float64(delta))
}

// ObserveSyncWait records how long a sync point waited.
func (c *Collector) ObserveSyncWait(d time.Duration) {
	SyncWaitDuration.WithLabelValues(c.executor).Observe(d.Seconds())
}

// IncInvocations increments the invocation counter for an outcome.
func (c *Collector) IncInvocations(outcome string) {
	InvocationsTotal.WithLabelValues(c.executor, outcome).Inc()
}

// ObserveInvocation records an invocation duration.
func (c *Collector) ObserveInvocation(d time.Duration) {
	InvocationDuration.WithLabelValues(c.executor).Observe(d.Seconds())
}

// IncInterrupts increments the interrupt counter for a kind.
func (c *Collector) IncInterrupts(kind string) {
	InterruptsTotal.WithLabelValues(c.executor, kind).Inc()
}

// IncWorkerTransition increments the transition counter for the target status.
func (c *Collector) IncWorkerTransition(status string) {
	WorkerTransitionsTotal.WithLabelValues(c.executor, status).Inc()
}

// SetActiveWorkers sets the active workers gauge.
func (c *Collector) SetActiveWorkers(count int) {
	ActiveWorkers.WithLabelValues(c.executor).Set(float64(count))
}

// SetOwnedShards sets the owned shards gauge.
func (c *Collector) SetOwnedShards(count int) {
	OwnedShards.WithLabelValues(c.executor).Set(float64(count))
}

// IncShardRevisions increments the applied revisions counter.
func (c *Collector) IncShardRevisions() {
	ShardRevisionsTotal.WithLabelValues(c.executor).Inc()
}

// IncHostsRegistered increments the host registrations counter.
func (c *Collector) IncHostsRegistered() {
	HostsRegisteredTotal.WithLabelValues(c.executor).Inc()
}

// IncStaleHostsCleaned increments the stale hosts counter.
func (c *Collector) IncStaleHostsCleaned() {
	StaleHostsCleanedTotal.WithLabelValues(c.executor).Inc()
}

// ObserveHeartbeatLatency records a heartbeat latency observation.
func (c *Collector) ObserveHeartbeatLatency(d time.Duration) {
	HeartbeatLatency.WithLabelValues(c.executor).Observe(d.Seconds())
}
