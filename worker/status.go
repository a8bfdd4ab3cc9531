package worker

import (
	"time"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/oplog"
)

// RetryPolicy decides how often a trapped worker is recovered before it fails.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive traps after which the worker fails. Defaults to 3.
	MaxAttempts int

	// MinDelay is the delay before the first retry. Defaults to 100ms.
	MinDelay time.Duration

	// MaxDelay caps the delay. Defaults to 10s.
	MaxDelay time.Duration

	// Multiplier grows the delay per attempt. Defaults to 2.
	Multiplier float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.MinDelay == 0 {
		p.MinDelay = 100 * time.Millisecond
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	}
	return p
}

// Delay returns the wait before retry number attempt, counting from 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()

	d := float64(p.MinDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// CalculateLastKnownStatus folds the entries following record.OplogIndex into record.
// Entries at or before record.OplogIndex are ignored, so folding the same entries twice is harmless.
func CalculateLastKnownStatus(record durable.WorkerStatusRecord, entries []oplog.IndexedEntry, policy RetryPolicy) durable.WorkerStatusRecord {
	policy = policy.withDefaults()

	for _, ie := range entries {
		if ie.Index <= record.OplogIndex {
			continue
		}
		record = apply(record, ie.Entry, policy)
		record.OplogIndex = ie.Index
	}
	return record
}

func apply(r durable.WorkerStatusRecord, e oplog.Entry, policy RetryPolicy) durable.WorkerStatusRecord {
	switch e := e.(type) {
	case *oplog.Create:
		r.Status = durable.WorkerStatusIdle
		r.ComponentVersion = e.ComponentVersion
		r.ComponentSize = e.ComponentSize
		r.MemorySize = e.InitialMemory
		r.ActivePlugins = append([]durable.PluginInstallationID(nil), e.Plugins...)
	case *oplog.ExportedFunctionInvoked:
		r.Status = durable.WorkerStatusRunning
	case *oplog.ExportedFunctionCompleted:
		r.Status = durable.WorkerStatusIdle
		r.ErrorCount = 0
		r.LastError = ""
	case *oplog.Suspend:
		r.Status = durable.WorkerStatusSuspended
	case *oplog.Error:
		r.ErrorCount++
		r.LastError = e.Message
		if r.ErrorCount >= policy.MaxAttempts {
			r.Status = durable.WorkerStatusFailed
		} else {
			r.Status = durable.WorkerStatusRetrying
		}
	case *oplog.Interrupted:
		r.Status = durable.WorkerStatusInterrupted
	case *oplog.Exited:
		r.Status = durable.WorkerStatusExited
	case *oplog.Restart:
		r.Status = durable.WorkerStatusIdle
		r.ErrorCount = 0
	case *oplog.PendingUpdate:
		target := e.TargetVersion
		r.PendingUpdate = &target
	case *oplog.SuccessfulUpdate:
		r.PendingUpdate = nil
		r.ComponentVersion = e.TargetVersion
		r.ComponentSize = e.NewComponentSize
		r.ActivePlugins = append([]durable.PluginInstallationID(nil), e.NewActivePlugins...)
		r.SuccessfulUpdates = append(append([]durable.ComponentVersion(nil), r.SuccessfulUpdates...), e.TargetVersion)
	case *oplog.FailedUpdate:
		r.PendingUpdate = nil
		r.FailedUpdates = append(append([]durable.ComponentVersion(nil), r.FailedUpdates...), e.TargetVersion)
	case *oplog.ActivatePlugin:
		r = r.WithPlugin(e.Plugin)
	case *oplog.DeactivatePlugin:
		r = r.WithoutPlugin(e.Plugin)
	case *oplog.GrowMemory:
		r.MemorySize += e.Delta
	}
	return r
}
