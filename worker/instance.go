package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/component"
	"github.com/getpup/pupsourcing-durable/durability"
	"github.com/getpup/pupsourcing-durable/hostfn"
	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/getpup/pupsourcing-durable/promise"
	"github.com/getpup/pupsourcing-durable/replay"
	"github.com/getpup/pupsourcing-durable/synchelper"
	"go.uber.org/atomic"
)

type requestKind int

const (
	requestInvoke requestKind = iota
	requestControl
)

type request struct {
	kind requestKind

	key      durable.IdempotencyKey
	function string
	params   []byte

	entry   oplog.Entry
	restart bool

	reply chan result
}

func (r *request) respond(response []byte, err error) {
	r.reply <- result{response: response, err: err}
}

// instance is one execution of the guest, from recovery until it stops.
type instance struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	// bg outlives interruption, for the bookkeeping done while stopping.
	bg context.Context

	oplog     *oplog.Oplog
	state     *replay.State
	helper    *synchelper.Helper
	dc        *durability.Context
	component *component.Component
	guest     component.Guest

	// updating is set when the history is replayed against a pending update's target.
	updating bool

	// status is owned by the run goroutine.
	status durable.WorkerStatusRecord

	requests chan *request
	evicted  *atomic.Bool
	done     chan struct{}
	stopErr  error
}

// stop describes why an instance stops and what happens next.
type stop struct {
	err error

	// failed marks the worker failed without an oplog entry.
	failed bool

	// restart recovers the worker again right away.
	restart bool

	// retry schedules recovery after a trap.
	retry bool

	// suspend schedules recovery when the sleep ends or the promise completes.
	suspend *hostfn.SuspendError

	// record is appended after the instance's helper is closed.
	record oplog.Entry

	// reply delivers the outcome to the caller once the instance stopped.
	reply func()
}

func (w *Worker) open(ctx context.Context, status durable.WorkerStatusRecord) (*instance, error) {
	o, err := w.config.Oplog.Open(ctx, w.id)
	if err != nil {
		return nil, err
	}
	state, err := replay.New(ctx, o, w.config.Collector)
	if err != nil {
		return nil, err
	}

	entries := state.Remaining()
	status = CalculateLastKnownStatus(status, entries, w.config.Retry)

	version := status.ComponentVersion
	updating := status.PendingUpdate != nil
	if updating {
		version = *status.PendingUpdate
	}
	comp, err := w.config.Components.Get(ctx, w.id.WorkerID.ComponentID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve component: %w", err)
	}

	helper := synchelper.New(o, state, synchelper.Config{
		Clock:     w.config.Clock,
		Logger:    w.config.Logger,
		Collector: w.config.Collector,
	})
	dc := durability.New(helper, durability.Config{
		PersistenceLevel:  w.config.PersistenceLevel,
		AssumeIdempotence: w.config.AssumeIdempotence,
		Logger:            w.config.Logger,
	})

	metadata := w.Metadata()
	host := hostfn.New(dc, &oplog.Create{
		WorkerID: w.id,
		Args:     metadata.Args,
		Env:      metadata.Env,
		Parent:   metadata.Parent,
	}, hostfn.Config{
		Clock:            w.config.Clock,
		KeyValue:         w.config.KeyValue,
		Invoker:          w.config.Invoker,
		Promises:         w.config.Promises,
		Metadata:         w.config.MetadataSource,
		SuspendThreshold: w.config.SuspendThreshold,
	})

	guest, err := comp.Instantiate(host)
	if err != nil {
		_ = helper.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate component: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	return &instance{
		ctx:       runCtx,
		cancel:    cancel,
		bg:        context.WithoutCancel(runCtx),
		oplog:     o,
		state:     state,
		helper:    helper,
		dc:        dc,
		component: comp,
		guest:     guest,
		updating:  updating,
		status:    status,
		requests:  make(chan *request),
		evicted:   atomic.NewBool(false),
		done:      make(chan struct{}),
	}, nil
}

func (w *Worker) run(inst *instance) {
	defer close(inst.done)
	defer inst.cancel(nil)

	s := w.recover(inst)
	if inst.updating {
		s = w.finishUpdate(inst, s)
	}
	for s == nil {
		select {
		case req := <-inst.requests:
			s = w.handle(inst, req)
		case <-inst.ctx.Done():
			s = w.interrupted(inst, interruptKind(inst.ctx), nil)
		}
	}
	w.shutdown(inst, s)
}

// recover re-executes the recorded invocations until the replay reaches the end of the history.
// An invocation the history ends in continues live.
func (w *Worker) recover(inst *instance) *stop {
	for !inst.state.IsLive() {
		invoked, _, err := replay.Expect[*oplog.ExportedFunctionInvoked](inst.state, oplog.KindExportedFunctionInvoked)
		if err != nil {
			return w.fatal(inst, err, nil)
		}

		response, callErr := w.call(inst, invoked.FunctionName, invoked.Params)

		if inst.state.IsLive() {
			if s := w.complete(inst, invoked.IdempotencyKey, response, callErr, nil); s != nil {
				return s
			}
			continue
		}

		var interrupted *durable.InterruptedError
		if errors.As(callErr, &interrupted) && !inst.state.Diverged() {
			return w.interrupted(inst, interrupted.Kind, nil)
		}
		if s := w.replayCompletion(inst, invoked, response, callErr); s != nil {
			return s
		}
	}
	return nil
}

// replayCompletion checks a re-executed invocation against its recorded completion.
func (w *Worker) replayCompletion(inst *instance, invoked *oplog.ExportedFunctionInvoked, response []byte, callErr error) *stop {
	if err := inst.helper.Flush(inst.bg); err != nil {
		return w.fatal(inst, err, nil)
	}
	completed, idx, err := replay.Expect[*oplog.ExportedFunctionCompleted](inst.state, oplog.KindExportedFunctionCompleted)
	if err != nil {
		return w.fatal(inst, err, nil)
	}

	o := w.classify(inst, callErr)
	switch o.kind {
	case outcomeFatal:
		return w.fatal(inst, o.err, nil)
	case outcomeReturned:
		if !completed.IsError && bytes.Equal(response, completed.Response) {
			w.remember(invoked.IdempotencyKey, result{response: completed.Response})
			return nil
		}
	case outcomeDeclared:
		if completed.IsError && completed.Error == o.message {
			w.remember(invoked.IdempotencyKey, result{err: &GuestError{Message: completed.Error}})
			return nil
		}
	}

	actual := "completion"
	if completed.IsError {
		actual = "error " + completed.Error
	}
	return w.fatal(inst, inst.state.Diverge(&durable.DivergenceError{
		Index:    idx,
		Expected: fmt.Sprintf("%s outcome of %s", o.kind, invoked.FunctionName),
		Actual:   actual,
	}), nil)
}

func (w *Worker) handle(inst *instance, req *request) *stop {
	switch req.kind {
	case requestControl:
		if err := w.record(inst, req.entry); err != nil {
			return w.fatal(inst, err, req)
		}
		w.refresh(inst, true)
		req.respond(nil, nil)
		if req.restart {
			return &stop{err: &durable.InterruptedError{Kind: durable.InterruptKindRestart}, restart: true}
		}
		return nil
	}

	if r, ok := w.completed(req.key); ok {
		req.respond(r.response, r.err)
		return nil
	}
	if !inst.component.Exported(req.function) {
		req.respond(nil, fmt.Errorf("%s: %w", req.function, component.ErrFunctionNotExported))
		return nil
	}

	if _, err := inst.helper.WriteOplogEntry(&oplog.ExportedFunctionInvoked{
		FunctionName:   req.function,
		Params:         req.params,
		IdempotencyKey: req.key,
	}); err != nil {
		return w.fatal(inst, err, req)
	}
	w.refresh(inst, false)

	start := w.config.Clock.Now()
	response, callErr := w.call(inst, req.function, req.params)
	if w.config.Collector != nil {
		w.config.Collector.ObserveInvocation(w.config.Clock.Since(start))
	}
	return w.complete(inst, req.key, response, callErr, req)
}

// call runs the guest, turning panics into traps.
func (w *Worker) call(inst *instance, function string, params []byte) (response []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			response, err = nil, &component.Trap{Message: fmt.Sprint(r)}
		}
	}()
	return inst.guest.Invoke(inst.ctx, function, params)
}

type outcomeKind int

const (
	outcomeReturned outcomeKind = iota
	outcomeDeclared
	outcomeTrapped
	outcomeExited
	outcomeSuspended
	outcomeInterrupted
	outcomeFatal
)

var outcomeNames = map[outcomeKind]string{
	outcomeReturned:    "completed",
	outcomeDeclared:    "error",
	outcomeTrapped:     "trapped",
	outcomeExited:      "exited",
	outcomeSuspended:   "suspended",
	outcomeInterrupted: "interrupted",
	outcomeFatal:       "failed",
}

func (k outcomeKind) String() string {
	return outcomeNames[k]
}

type outcome struct {
	kind      outcomeKind
	err       error
	message   string
	trap      *component.Trap
	suspend   *hostfn.SuspendError
	interrupt durable.InterruptKind
}

// classify decides what an invocation's error means for the worker. Failures of the executor's
// own bookkeeping win over whatever the guest made of them.
func (w *Worker) classify(inst *instance, err error) outcome {
	if herr := inst.helper.Err(); herr != nil {
		return outcome{kind: outcomeFatal, err: herr}
	}
	if inst.state.Diverged() {
		if !errors.Is(err, durable.ErrUnexpectedOplogEntry) {
			err = durable.ErrUnexpectedOplogEntry
		}
		return outcome{kind: outcomeFatal, err: err}
	}
	// A panicking host function traps the invocation even if the guest swallowed the error.
	if perr := inst.dc.Panicked(); perr != nil {
		trap := &component.Trap{Message: perr.Error()}
		return outcome{kind: outcomeTrapped, err: trap, trap: trap}
	}
	if err == nil {
		return outcome{kind: outcomeReturned}
	}

	var (
		trap        *component.Trap
		suspend     *hostfn.SuspendError
		interrupted *durable.InterruptedError
	)
	switch {
	case errors.As(err, &trap):
		return outcome{kind: outcomeTrapped, err: err, trap: trap}
	case errors.Is(err, durable.ErrExit):
		return outcome{kind: outcomeExited, err: err}
	case errors.As(err, &suspend):
		return outcome{kind: outcomeSuspended, err: err, suspend: suspend}
	case errors.As(err, &interrupted):
		return outcome{kind: outcomeInterrupted, err: err, interrupt: interrupted.Kind}
	case errors.Is(err, durable.ErrUnexpectedOplogEntry),
		errors.Is(err, durability.ErrIncompleteRemoteWrite),
		errors.Is(err, synchelper.ErrClosed):
		return outcome{kind: outcomeFatal, err: err}
	}
	return outcome{kind: outcomeDeclared, err: err, message: err.Error()}
}

// complete records the outcome of a live invocation. req is nil for invocations resumed by recovery.
func (w *Worker) complete(inst *instance, key durable.IdempotencyKey, response []byte, callErr error, req *request) *stop {
	o := w.classify(inst, callErr)
	if w.config.Collector != nil {
		w.config.Collector.IncInvocations(o.kind.String())
	}

	switch o.kind {
	case outcomeReturned, outcomeDeclared:
		entry := &oplog.ExportedFunctionCompleted{Response: response}
		r := result{response: response}
		if o.kind == outcomeDeclared {
			entry = &oplog.ExportedFunctionCompleted{Error: o.message, IsError: true}
			r = result{err: &GuestError{Message: o.message}}
		}

		if _, err := inst.helper.WriteOplogEntry(entry); err != nil {
			return w.fatal(inst, err, req)
		}
		permit, err := inst.helper.Sync(inst.bg)
		if err != nil {
			return w.fatal(inst, err, req)
		}
		w.remember(key, r)
		if req != nil {
			req.respond(r.response, r.err)
		}
		permit.Release()
		w.refresh(inst, true)
		return nil

	case outcomeTrapped:
		if err := w.record(inst, &oplog.Error{Message: o.trap.Message}); err != nil {
			return w.fatal(inst, err, req)
		}
		w.refresh(inst, false)
		if w.config.Logger != nil {
			w.config.Logger.Error(inst.bg, "worker trapped",
				"worker_id", w.id.String(),
				"error", o.trap.Message,
				"attempt", inst.status.ErrorCount)
		}
		return &stop{
			err:   o.err,
			retry: inst.status.Status == durable.WorkerStatusRetrying,
			reply: replyWith(req, o.err),
		}

	case outcomeExited:
		if err := w.record(inst, &oplog.Exited{}); err != nil {
			return w.fatal(inst, err, req)
		}
		err := fmt.Errorf("worker %s: %w", w.id, durable.ErrWorkerExited)
		return &stop{err: err, reply: replyWith(req, err)}

	case outcomeSuspended:
		entry := &oplog.Suspend{Reason: o.suspend.Reason, Until: o.suspend.Until, PromiseID: string(o.suspend.PromiseID)}
		if err := w.record(inst, entry); err != nil {
			return w.fatal(inst, err, req)
		}
		return &stop{err: o.err, suspend: o.suspend, reply: replyWith(req, o.err)}

	case outcomeInterrupted:
		return w.interrupted(inst, o.interrupt, req)
	}

	return w.fatal(inst, o.err, req)
}

// interrupted records an interruption.
func (w *Worker) interrupted(inst *instance, kind durable.InterruptKind, req *request) *stop {
	var entry oplog.Entry
	switch kind {
	case durable.InterruptKindRestart:
		entry = &oplog.Restart{}
	case durable.InterruptKindSuspend:
		entry = &oplog.Suspend{Reason: oplog.SuspendReasonInterrupt}
	default:
		entry = &oplog.Interrupted{InterruptKind: kind}
	}

	if err := w.record(inst, entry); err != nil {
		return w.fatal(inst, err, req)
	}
	err := &durable.InterruptedError{Kind: kind}
	return &stop{
		err:     err,
		restart: kind == durable.InterruptKindRestart,
		reply:   replyWith(req, err),
	}
}

// fatal fails the worker. Nothing is recorded: the guest never observed the failure.
func (w *Worker) fatal(inst *instance, cause error, req *request) *stop {
	err := fmt.Errorf("%w: %w", durable.ErrWorkerFailed, cause)
	if w.config.Logger != nil {
		w.config.Logger.Error(inst.bg, "worker failed", "worker_id", w.id.String(), "error", cause)
	}
	return &stop{err: err, failed: true, reply: replyWith(req, err)}
}

func replyWith(req *request, err error) func() {
	if req == nil {
		return nil
	}
	return func() { req.respond(nil, err) }
}

// record writes a lifecycle entry and waits until it is durable.
func (w *Worker) record(inst *instance, entry oplog.Entry) error {
	if _, err := inst.helper.WriteOplogEntry(entry); err != nil {
		return err
	}
	return inst.helper.Flush(inst.bg)
}

// refresh folds the entries written since the last refresh into the instance's status.
func (w *Worker) refresh(inst *instance, persist bool) {
	entries, err := inst.oplog.Read(inst.bg, inst.status.OplogIndex.Next(), inst.oplog.CurrentIndex())
	if err != nil {
		if w.config.Logger != nil {
			w.config.Logger.Error(inst.bg, "failed to read oplog for status", "worker_id", w.id.String(), "error", err)
		}
		return
	}
	inst.status = CalculateLastKnownStatus(inst.status, entries, w.config.Retry)

	if persist {
		w.publish(inst.bg, inst.status)
	} else {
		w.setStatus(inst.status)
	}
}

// finishUpdate records the result of replaying the history against a pending update's target.
func (w *Worker) finishUpdate(inst *instance, s *stop) *stop {
	target := inst.component.Version

	switch {
	case s != nil && s.failed:
		if w.config.Logger != nil {
			w.config.Logger.Error(inst.bg, "worker update failed", "worker_id", w.id.String(),
				"component_version", target, "error", s.err)
		}
		return &stop{
			err:     &durable.InterruptedError{Kind: durable.InterruptKindRestart},
			restart: true,
			record:  &oplog.FailedUpdate{TargetVersion: target, Details: s.err.Error()},
		}

	case !inst.state.IsLive():
		// Replay was cut short. The update is attempted again on the next start.
		return s
	}

	if err := w.record(inst, &oplog.SuccessfulUpdate{
		TargetVersion:    target,
		NewComponentSize: inst.component.Size,
		NewActivePlugins: inst.status.ActivePlugins,
	}); err != nil {
		return w.fatal(inst, err, nil)
	}
	w.refresh(inst, true)
	if w.config.Logger != nil {
		w.config.Logger.Info(inst.bg, "worker updated", "worker_id", w.id.String(), "component_version", target)
	}
	return s
}

// shutdown closes the instance, stores the final status and arranges the next recovery.
func (w *Worker) shutdown(inst *instance, s *stop) {
	ctx := inst.bg

	if err := inst.helper.Close(ctx); err != nil && !s.failed {
		s = w.fatal(inst, err, nil)
	}
	if s.record != nil {
		if err := w.appendEntry(ctx, s.record); err != nil && w.config.Logger != nil {
			w.config.Logger.Error(ctx, "failed to record oplog entry", "worker_id", w.id.String(), "error", err)
		}
	}

	status, err := foldStored(ctx, w.config, w.id, inst.status)
	if err != nil && w.config.Logger != nil {
		w.config.Logger.Error(ctx, "failed to read oplog for status", "worker_id", w.id.String(), "error", err)
	}
	if s.failed {
		status.Status = durable.WorkerStatusFailed
	}
	w.publish(ctx, status)

	inst.stopErr = s.err
	w.mu.Lock()
	w.inst = nil
	w.mu.Unlock()

	if w.config.Logger != nil {
		w.config.Logger.Info(ctx, "worker stopped", "worker_id", w.id.String(), "status", string(status.Status))
	}
	if s.reply != nil {
		s.reply()
	}
	if !inst.evicted.Load() {
		w.schedule(ctx, s, status)
	}
}

// appendEntry writes an entry through a fresh oplog handle.
func (w *Worker) appendEntry(ctx context.Context, entry oplog.Entry) error {
	o, err := w.config.Oplog.Open(ctx, w.id)
	if err != nil {
		return err
	}
	if _, err := o.Add(entry); err != nil {
		return err
	}
	return o.Commit(ctx)
}

func (w *Worker) schedule(ctx context.Context, s *stop, status durable.WorkerStatusRecord) {
	switch {
	case s.restart:
		go w.wake()

	case s.retry:
		w.startTimer(w.config.Retry.Delay(status.ErrorCount))

	case s.suspend != nil && s.suspend.Reason == oplog.SuspendReasonSleep && s.suspend.Until != nil:
		w.startTimer(s.suspend.Until.Sub(w.config.Clock.Now()))

	case s.suspend != nil && s.suspend.Reason == oplog.SuspendReasonPromise && w.config.Promises != nil:
		err := w.config.Promises.OnComplete(s.suspend.PromiseID, func(promise.ID) { w.wake() })
		if err != nil && w.config.Logger != nil {
			w.config.Logger.Error(ctx, "failed to await promise", "worker_id", w.id.String(), "error", err)
		}
	}
}

func (w *Worker) startTimer(d time.Duration) {
	if d < 0 {
		d = 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopTimerLocked()
	w.timer = w.config.Clock.AfterFunc(d, w.wake)
}

func interruptKind(ctx context.Context) durable.InterruptKind {
	var interrupted *durable.InterruptedError
	if errors.As(context.Cause(ctx), &interrupted) {
		return interrupted.Kind
	}
	return durable.InterruptKindInterrupt
}
