// Package durability intercepts host function calls of a worker.
//
// In live mode a call runs for real and its request and result are logged through the
// sync helper. In replay mode the call does not run; the recorded result is returned instead.
// Which calls are logged depends on the function's classification and the persistence level.
package durability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/getpup/pupsourcing-durable/replay"
	"github.com/getpup/pupsourcing-durable/synchelper"
	"github.com/getpup/pupsourcing/es"
)

// PersistenceLevel selects which host calls are logged. Functions marked AlwaysLogged are
// logged at every level.
type PersistenceLevel string

const (
	// Smart logs every call that is not free of side effects.
	Smart PersistenceLevel = "smart"

	// PersistRemoteSideEffects logs only calls reaching remote systems.
	PersistRemoteSideEffects PersistenceLevel = "persist-remote-side-effects"

	// PersistNothing logs nothing. Calls run for real in both modes.
	PersistNothing PersistenceLevel = "persist-nothing"
)

// Config configures a Context.
type Config struct {
	// PersistenceLevel defaults to Smart.
	PersistenceLevel PersistenceLevel

	// AssumeIdempotence disables the BeginRemoteWrite/EndRemoteWrite bracket around remote writes.
	AssumeIdempotence bool

	// Logger receives guest log lines in live mode. Optional.
	Logger es.Logger
}

// Context is the durability state of one worker execution.
type Context struct {
	helper            *synchelper.Helper
	assumeIdempotence bool
	logger            es.Logger

	mu       sync.Mutex
	level    PersistenceLevel
	panicked *PanicError
}

// New creates a durability context on top of the worker's sync helper.
func New(helper *synchelper.Helper, config Config) *Context {
	if config.PersistenceLevel == "" {
		config.PersistenceLevel = Smart
	}

	return &Context{
		helper:            helper,
		assumeIdempotence: config.AssumeIdempotence,
		logger:            config.Logger,
		level:             config.PersistenceLevel,
	}
}

// Helper returns the sync helper the context writes through.
func (c *Context) Helper() *synchelper.Helper {
	return c.helper
}

// IsLive reports whether calls currently run for real.
func (c *Context) IsLive() bool {
	return c.helper.Replay().IsLive()
}

// PersistenceLevel returns the current persistence level.
func (c *Context) PersistenceLevel() PersistenceLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// SetPersistenceLevel changes which subsequent calls are logged. The change is recorded as a
// hint so replay switches levels at the same point of the history.
func (c *Context) SetPersistenceLevel(level PersistenceLevel) error {
	switch level {
	case Smart, PersistRemoteSideEffects, PersistNothing:
	default:
		return fmt.Errorf("unknown persistence level %q", level)
	}

	err := c.Hint(
		&oplog.ChangePersistenceLevel{Level: string(level)},
		func(e oplog.Entry) bool {
			change, ok := e.(*oplog.ChangePersistenceLevel)
			return ok && change.Level == string(level)
		},
		"persistence level "+string(level),
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = level
	return nil
}

// Panicked returns the first panic raised by a live effect of this context, if any.
func (c *Context) Panicked() *PanicError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.panicked
}

func (c *Context) recordPanic(err error) {
	var perr *PanicError
	if !errors.As(err, &perr) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panicked == nil {
		c.panicked = perr
	}
}

func (c *Context) persists(fn Function) bool {
	if fn.AlwaysLogged {
		return true
	}
	t := fn.Type
	if t == oplog.NoSideEffect {
		return false
	}
	switch c.PersistenceLevel() {
	case PersistNothing:
		return false
	case PersistRemoteSideEffects:
		return t.IsRemote()
	}
	return true
}

func (c *Context) bracketed(t oplog.FunctionType) bool {
	return t == oplog.WriteRemote && !c.assumeIdempotence
}

// recorded is the stored form of a call's outcome.
type recorded struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err *string         `json:"err,omitempty"`
}

// Call runs fn through the durability layer. live performs the real effect and is only
// invoked in live mode or when the call is not logged.
func Call[Req, Resp any](ctx context.Context, c *Context, fn Function, req Req, live func(ctx context.Context, req Req) (Resp, error)) (Resp, error) {
	if !c.persists(fn) {
		resp, err := runInterruptible(ctx, fn, req, live)
		c.recordPanic(err)
		return resp, hostError(fn, err)
	}
	if c.IsLive() {
		return callLive(ctx, c, fn, req, live)
	}
	return callReplay[Resp](ctx, c, fn)
}

func callLive[Req, Resp any](ctx context.Context, c *Context, fn Function, req Req, live func(ctx context.Context, req Req) (Resp, error)) (Resp, error) {
	var zero Resp

	request, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("failed to encode %s request: %w", fn.Name, err)
	}

	begin := durable.NoneIndex
	if c.bracketed(fn.Type) {
		if begin, err = c.helper.WriteOplogEntry(&oplog.BeginRemoteWrite{}); err != nil {
			return zero, err
		}
		if err := c.helper.Flush(ctx); err != nil {
			return zero, err
		}
	}

	resp, callErr := runInterruptible(ctx, fn, req, live)
	if isControl(callErr) {
		c.recordPanic(callErr)
		return zero, callErr
	}

	outcome := recorded{}
	if callErr != nil {
		msg := callErr.Error()
		outcome.Err = &msg
	} else if outcome.Ok, err = json.Marshal(resp); err != nil {
		return zero, fmt.Errorf("failed to encode %s response: %w", fn.Name, err)
	}
	response, err := json.Marshal(outcome)
	if err != nil {
		return zero, fmt.Errorf("failed to encode %s outcome: %w", fn.Name, err)
	}

	if _, err := c.helper.WriteOplogEntry(&oplog.ImportedFunctionInvoked{
		FunctionName: fn.Name,
		Request:      request,
		Response:     response,
		FunctionType: fn.Type,
	}); err != nil {
		return zero, err
	}

	if begin != durable.NoneIndex {
		if _, err := c.helper.WriteOplogEntry(&oplog.EndRemoteWrite{BeginIndex: begin}); err != nil {
			return zero, err
		}
	}
	if fn.Type == oplog.WriteRemote {
		if err := c.helper.Flush(ctx); err != nil {
			return zero, err
		}
	}

	return resp, hostError(fn, callErr)
}

func callReplay[Resp any](ctx context.Context, c *Context, fn Function) (Resp, error) {
	var zero Resp
	state := c.helper.Replay()

	// Queued skips must run before the cursor is read here.
	if err := c.helper.Flush(ctx); err != nil {
		return zero, err
	}

	bracketed := c.bracketed(fn.Type)
	if bracketed {
		_, begin, err := replay.Expect[*oplog.BeginRemoteWrite](state, oplog.KindBeginRemoteWrite)
		if err != nil {
			return zero, err
		}
		if _, ok := state.Lookup(endsWrite(begin)); !ok {
			return zero, fmt.Errorf("%s at oplog index %d: %w", fn.Name, begin, ErrIncompleteRemoteWrite)
		}
	}

	entry, idx, err := replay.Expect[*oplog.ImportedFunctionInvoked](state, oplog.KindImportedFunctionInvoked)
	if err != nil {
		return zero, err
	}
	if entry.FunctionName != fn.Name {
		return zero, state.Diverge(&durable.DivergenceError{Index: idx, Expected: fn.Name, Actual: entry.FunctionName})
	}

	if bracketed {
		if _, _, err := replay.Expect[*oplog.EndRemoteWrite](state, oplog.KindEndRemoteWrite); err != nil {
			return zero, err
		}
	}

	var outcome recorded
	if err := json.Unmarshal(entry.Response, &outcome); err != nil {
		return zero, state.Diverge(&durable.DivergenceError{Index: idx, Expected: fn.Name + " response", Actual: err.Error()})
	}
	if outcome.Err != nil {
		return zero, &HostError{Function: fn.Name, Message: *outcome.Err}
	}

	var resp Resp
	if len(outcome.Ok) > 0 {
		if err := json.Unmarshal(outcome.Ok, &resp); err != nil {
			return zero, state.Diverge(&durable.DivergenceError{Index: idx, Expected: fn.Name + " response", Actual: err.Error()})
		}
	}
	return resp, nil
}

func endsWrite(begin durable.OplogIndex) func(oplog.Entry) bool {
	return func(e oplog.Entry) bool {
		end, ok := e.(*oplog.EndRemoteWrite)
		return ok && end.BeginIndex == begin
	}
}

// isControl reports whether err stops execution instead of being a result of the call.
// Such outcomes are never logged, so replay re-runs the call.
func isControl(err error) bool {
	var perr *PanicError
	return errors.Is(err, durable.ErrInterrupted) || errors.Is(err, durable.ErrWorkerSuspended) ||
		errors.As(err, &perr)
}

// hostError normalizes live failures to what replay would return.
func hostError(fn Function, err error) error {
	if err == nil || isControl(err) {
		return err
	}
	return &HostError{Function: fn.Name, Message: err.Error()}
}

// runInterruptible races the call against cancellation of ctx. Cancellation with an
// *durable.InterruptedError cause is reported as that error. A panic in live is reported
// as a *PanicError.
func runInterruptible[Req, Resp any](ctx context.Context, fn Function, req Req, live func(ctx context.Context, req Req) (Resp, error)) (Resp, error) {
	var zero Resp
	if err := interruption(ctx); err != nil {
		return zero, err
	}

	type outcome struct {
		resp Resp
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Function: fn.Name, Value: r}}
			}
		}()
		resp, err := live(ctx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case o := <-done:
		return o.resp, o.err
	case <-ctx.Done():
		return zero, interruption(ctx)
	}
}

func interruption(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	var interrupted *durable.InterruptedError
	if cause := context.Cause(ctx); errors.As(cause, &interrupted) {
		return interrupted
	}
	return &durable.InterruptedError{Kind: durable.InterruptKindInterrupt}
}

// Hint records a hint entry in live mode. In replay mode the matching recorded hint is skipped instead.
func (c *Context) Hint(e oplog.Entry, match func(oplog.Entry) bool, description string) error {
	if c.IsLive() {
		_, err := c.helper.WriteOplogEntry(e)
		return err
	}
	return c.helper.SkipOplogEntry(match, description)
}

// Log records a guest log line and forwards it to the executor logger when live.
func (c *Context) Log(ctx context.Context, level oplog.LogLevel, logContext, message string) error {
	live := c.IsLive()
	err := c.Hint(
		&oplog.Log{Level: level, Context: logContext, Message: message},
		func(e oplog.Entry) bool {
			l, ok := e.(*oplog.Log)
			return ok && l.Level == level && l.Context == logContext && l.Message == message
		},
		"log "+string(level),
	)

	if live && c.logger != nil {
		worker := c.helper.Oplog().Worker().String()
		switch level {
		case oplog.LogLevelError, oplog.LogLevelCritical:
			c.logger.Error(ctx, message, "worker_id", worker, "context", logContext, "level", string(level))
		case oplog.LogLevelInfo, oplog.LogLevelWarn:
			c.logger.Info(ctx, message, "worker_id", worker, "context", logContext, "level", string(level))
		default:
			c.logger.Debug(ctx, message, "worker_id", worker, "context", logContext, "level", string(level))
		}
	}
	return err
}
