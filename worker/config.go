package worker

import (
	"time"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/component"
	"github.com/getpup/pupsourcing-durable/durability"
	"github.com/getpup/pupsourcing-durable/hostfn"
	"github.com/getpup/pupsourcing-durable/metrics"
	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/getpup/pupsourcing-durable/promise"
	"github.com/getpup/pupsourcing-durable/store"
	"github.com/getpup/pupsourcing/es"
)

// Config holds the collaborators shared by the workers of an executor.
type Config struct {
	// Oplog opens worker oplogs (required).
	Oplog *oplog.Service

	// MetadataStore caches worker metadata (required).
	MetadataStore store.MetadataStore

	// Components resolves the component versions workers run (required).
	Components component.Service

	// Promises backs promise host functions and promise-wait suspension (optional).
	Promises *promise.Service

	// KeyValue backs key-value host functions (optional).
	KeyValue hostfn.KeyValue

	// Invoker backs worker-to-worker calls (optional).
	Invoker hostfn.Invoker

	// MetadataSource answers metadata host functions. Defaults to MetadataStore.
	MetadataSource hostfn.MetadataSource

	// PersistenceLevel defaults to durability.Smart.
	PersistenceLevel durability.PersistenceLevel

	// AssumeIdempotence skips the remote write bracket.
	AssumeIdempotence bool

	// SuspendThreshold is the longest sleep served in memory (default: 10s).
	SuspendThreshold time.Duration

	// Retry decides what happens after a trap.
	Retry RetryPolicy

	// Wake is called when a stopped worker should resume: after a sleep, a completed promise,
	// a retry delay or a restart. Defaults to starting the worker directly.
	Wake func(worker durable.OwnedWorkerID)

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger is for observability (optional).
	Logger es.Logger

	// Collector records invocation metrics (optional).
	Collector *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.MetadataSource == nil {
		c.MetadataSource = c.MetadataStore
	}
	if c.SuspendThreshold == 0 {
		c.SuspendThreshold = 10 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}
