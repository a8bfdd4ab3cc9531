package lifecycle

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getpup/pupsourcing-durable/metrics"
	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/getpup/pupsourcing/es"
)

// Config holds configuration for the lifecycle Manager.
type Config struct {
	// Store is the shard store for host membership (required).
	Store store.ShardStore

	// Host is the executor this manager registers (required).
	Host shard.HostID

	// HeartbeatInterval is the interval between heartbeats (default: 5s).
	HeartbeatInterval time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger is for observability (optional).
	Logger es.Logger

	// Collector records registrations and heartbeat latency (optional).
	Collector *metrics.Collector
}

// Manager manages heartbeating and state transitions for a single executor host.
type Manager struct {
	config Config
}

// New creates a new lifecycle Manager with the given configuration.
// Applies default values for HeartbeatInterval if not set.
func New(cfg Config) *Manager {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Manager{
		config: cfg,
	}
}

// Register registers the host as pending in the given revision.
func (m *Manager) Register(ctx context.Context, revisionID string) (shard.Host, error) {
	host, err := m.config.Store.RegisterHost(ctx, m.config.Host, revisionID)
	if err != nil {
		return shard.Host{}, err
	}

	if m.config.Collector != nil {
		m.config.Collector.IncHostsRegistered()
	}
	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "host registered", "host", m.config.Host, "revision", revisionID)
	}
	return host, nil
}

// StartHeartbeat runs a heartbeat loop until the context is cancelled.
// Sends heartbeats at the configured interval and logs if a logger is provided.
func (m *Manager) StartHeartbeat(ctx context.Context) error {
	ticker := m.config.Clock.Ticker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := m.config.Clock.Now()
			if err := m.config.Store.Heartbeat(ctx, m.config.Host); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if m.config.Logger != nil {
					m.config.Logger.Error(ctx, "heartbeat failed", "host", m.config.Host, "error", err)
				}
				return err
			}

			if m.config.Collector != nil {
				m.config.Collector.ObserveHeartbeatLatency(m.config.Clock.Since(start))
			}
			if m.config.Logger != nil {
				m.config.Logger.Debug(ctx, "heartbeat sent", "host", m.config.Host)
			}
		}
	}
}

// UpdateState updates the host's state and logs the transition if a logger is provided.
func (m *Manager) UpdateState(ctx context.Context, state shard.HostState) error {
	if err := m.config.Store.UpdateHostState(ctx, m.config.Host, state); err != nil {
		return err
	}

	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, "host state updated", "host", m.config.Host, "state", state)
	}

	return nil
}

// GetHost returns the host's membership record from the store.
func (m *Manager) GetHost(ctx context.Context) (shard.Host, error) {
	return m.config.Store.GetHost(ctx, m.config.Host)
}

// HostID returns the managed host's id.
func (m *Manager) HostID() shard.HostID {
	return m.config.Host
}
