package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getpup/pupsourcing-durable/metrics"
	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/getpup/pupsourcing/es"
)

var (
	// ErrCoordinationTimeout indicates a host was not assigned shards in time.
	ErrCoordinationTimeout = errors.New("coordination timeout")

	// ErrRevisionSuperseded indicates a newer shard table revision became active.
	ErrRevisionSuperseded = errors.New("shard table revision superseded")
)

// Config holds configuration for the Coordinator.
type Config struct {
	// Store is the shard store for executor coordination (required).
	Store store.ShardStore

	// NumberOfShards is used for the first revision (default: 1024).
	// Later revisions keep the number of the active one.
	NumberOfShards int

	// StaleHostTimeout is the duration after which a host is considered dead (default: 30s).
	StaleHostTimeout time.Duration

	// PollInterval is how often to check state (default: 1s).
	PollInterval time.Duration

	// CoordinationTimeout is the max time to wait for coordination (default: 60s).
	CoordinationTimeout time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger is for observability (optional).
	Logger es.Logger

	// Collector records coordination metrics (optional).
	Collector *metrics.Collector
}

// Coordinator moves the cluster to a new shard table revision when hosts join or leave.
type Coordinator struct {
	config   Config
	assigner *Assigner
}

// New creates a new Coordinator with the given configuration.
// Applies default values for timeout/interval values if zero.
func New(cfg Config) *Coordinator {
	if cfg.NumberOfShards == 0 {
		cfg.NumberOfShards = 1024
	}
	if cfg.StaleHostTimeout == 0 {
		cfg.StaleHostTimeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.CoordinationTimeout == 0 {
		cfg.CoordinationTimeout = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Coordinator{
		config:   cfg,
		assigner: NewAssigner(cfg.Store),
	}
}

// JoinOrCreate returns the active revision, creating the first one if none exists.
func (c *Coordinator) JoinOrCreate(ctx context.Context) (shard.Revision, error) {
	rev, err := c.config.Store.GetActiveRevision(ctx)
	if errors.Is(err, store.ErrNoRevision) {
		rev, err = c.config.Store.CreateRevision(ctx, c.config.NumberOfShards)
		if err != nil {
			return shard.Revision{}, err
		}

		if c.config.Logger != nil {
			c.config.Logger.Info(ctx, "created first revision", "revision", rev.ID, "shards", rev.NumberOfShards)
		}
		return rev, nil
	}
	return rev, err
}

// Rebalance creates and assigns a new revision if hosts joined, or if shards of the active
// revision are unassigned or owned by hosts that are no longer live. Otherwise the active
// revision is returned unchanged.
func (c *Coordinator) Rebalance(ctx context.Context) (shard.Revision, error) {
	rev, err := c.JoinOrCreate(ctx)
	if err != nil {
		return shard.Revision{}, err
	}

	pending, err := c.config.Store.GetPendingHosts(ctx)
	if err != nil {
		return shard.Revision{}, err
	}
	hosts, err := c.config.Store.GetActiveHosts(ctx)
	if err != nil {
		return shard.Revision{}, err
	}
	owners, err := c.config.Store.GetAssignments(ctx, rev.ID)
	if err != nil {
		return shard.Revision{}, err
	}

	lost := lostShards(owners, hosts)
	switch {
	case len(pending) == 0 && lost == 0 && len(owners) == rev.NumberOfShards:
		return rev, nil

	case len(pending) > 0 || lost > 0:
		rev, err = c.config.Store.CreateRevision(ctx, rev.NumberOfShards)
		if err != nil {
			return shard.Revision{}, err
		}
	}

	assigned, err := c.assigner.AssignShards(ctx, rev)
	if err != nil {
		return shard.Revision{}, err
	}

	// Hosts left without shards would otherwise stay pending and force a new revision on every poll.
	for _, h := range pending {
		if !owns(assigned, h.ID) {
			if err := c.config.Store.UpdateHostState(ctx, h.ID, shard.HostStateActive); err != nil {
				return shard.Revision{}, err
			}
		}
	}

	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, "rebalanced shards",
			"revision", rev.ID,
			"shards", rev.NumberOfShards,
			"hosts", len(hosts),
			"pendingHosts", len(pending),
			"lostShards", lost,
			"assigned", len(assigned))
	}
	return rev, nil
}

func owns(owners map[shard.ID]shard.HostID, host shard.HostID) bool {
	for _, owner := range owners {
		if owner == host {
			return true
		}
	}
	return false
}

// lostShards counts shards owned by hosts that are not live.
func lostShards(owners map[shard.ID]shard.HostID, hosts []shard.Host) int {
	live := make(map[shard.HostID]bool, len(hosts))
	for _, h := range hosts {
		live[h.ID] = h.State != shard.HostStateDead && h.State != shard.HostStateStopping
	}

	lost := 0
	for _, host := range owners {
		if !live[host] {
			lost++
		}
	}
	return lost
}

// Table returns the active revision with its shard owners.
func (c *Coordinator) Table(ctx context.Context) (shard.Table, error) {
	rev, err := c.config.Store.GetActiveRevision(ctx)
	if err != nil {
		return shard.Table{}, err
	}
	owners, err := c.config.Store.GetAssignments(ctx, rev.ID)
	if err != nil {
		return shard.Table{}, err
	}
	return shard.Table{Revision: rev, Owners: owners}, nil
}

// WaitForAssignment polls the store until the host owns shards in the active revision.
// Returns ErrCoordinationTimeout if the timeout is exceeded.
func (c *Coordinator) WaitForAssignment(ctx context.Context, host shard.HostID) (shard.Table, error) {
	ticker := c.config.Clock.Ticker(c.config.PollInterval)
	defer ticker.Stop()

	startTime := c.config.Clock.Now()

	for {
		select {
		case <-ctx.Done():
			return shard.Table{}, ctx.Err()
		case <-ticker.C:
			table, err := c.Table(ctx)
			if err != nil && !errors.Is(err, store.ErrNoRevision) {
				return shard.Table{}, err
			}

			if err == nil && table.AssignmentOf(host).Len() > 0 {
				return table, nil
			}

			if c.config.Clock.Since(startTime) > c.config.CoordinationTimeout {
				return shard.Table{}, ErrCoordinationTimeout
			}
		}
	}
}

// WatchRevision polls the store to detect when the active revision changes.
// Returns ErrRevisionSuperseded when the active revision ID differs from the provided revisionID.
// Returns nil if the context is cancelled.
// Continues polling on transient store errors (logs and retries).
func (c *Coordinator) WatchRevision(ctx context.Context, revisionID string) error {
	ticker := c.config.Clock.Ticker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rev, err := c.config.Store.GetActiveRevision(ctx)
			if err != nil {
				if c.config.Logger != nil {
					c.config.Logger.Error(ctx, "failed to get active revision during watch", "error", err)
				}
				continue
			}

			if rev.ID != revisionID {
				if c.config.Logger != nil {
					c.config.Logger.Info(ctx, "revision superseded",
						"oldRevision", revisionID,
						"newRevision", rev.ID)
				}
				return ErrRevisionSuperseded
			}
		}
	}
}

// CleanupStaleHosts marks hosts whose LastHeartbeat is older than StaleHostTimeout as dead.
// Returns the number of hosts marked dead.
func (c *Coordinator) CleanupStaleHosts(ctx context.Context) (int, error) {
	hosts, err := c.config.Store.GetActiveHosts(ctx)
	if err != nil {
		return 0, err
	}

	now := c.config.Clock.Now()
	cleaned := 0
	for _, h := range hosts {
		if now.Sub(h.LastHeartbeat) <= c.config.StaleHostTimeout {
			continue
		}
		if err := c.config.Store.MarkHostDead(ctx, h.ID); err != nil {
			return cleaned, err
		}
		cleaned++

		if c.config.Collector != nil {
			c.config.Collector.IncStaleHostsCleaned()
		}
		if c.config.Logger != nil {
			c.config.Logger.Info(ctx, "marked stale host as dead",
				"host", h.ID,
				"lastHeartbeat", h.LastHeartbeat,
				"staleDuration", now.Sub(h.LastHeartbeat))
		}
	}

	return cleaned, nil
}
