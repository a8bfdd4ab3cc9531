package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/component"
	"github.com/getpup/pupsourcing-durable/hostfn"
)

// DemoComponentID is the id of the built-in counter component served by `serve`.
var DemoComponentID = mustComponentID("6f1c8d1e-3b0a-4c55-9a3e-0d2c1f6b7a10")

const counterBucket = "counter"

func mustComponentID(s string) durable.ComponentID {
	id, err := durable.ParseComponentID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// demoRegistry returns the components a bare executor process serves.
func demoRegistry() *component.Registry {
	registry := component.NewRegistry()
	registry.Register(component.FromFuncs(DemoComponentID, 1, map[string]component.Func{
		"increment": increment,
		"get":       getCounter,
		"sleep":     sleep,
	}))
	return registry
}

func counterKey(host *hostfn.Host) string {
	return host.Worker().WorkerID.WorkerName
}

func readCounter(ctx context.Context, host *hostfn.Host) (int64, error) {
	value, found, err := host.Get(ctx, counterBucket, counterKey(host))
	if err != nil || !found {
		return 0, err
	}
	return strconv.ParseInt(string(value), 10, 64)
}

// increment adds params (default 1) to the worker's counter and returns the new value.
func increment(ctx context.Context, host *hostfn.Host, params []byte) ([]byte, error) {
	delta := int64(1)
	if len(params) > 0 {
		parsed, err := strconv.ParseInt(string(params), 10, 64)
		if err != nil {
			return nil, component.Trapf("invalid delta %q", params)
		}
		delta = parsed
	}

	current, err := readCounter(ctx, host)
	if err != nil {
		return nil, err
	}
	next := strconv.FormatInt(current+delta, 10)
	if err := host.Set(ctx, counterBucket, counterKey(host), []byte(next)); err != nil {
		return nil, err
	}
	return []byte(next), nil
}

func getCounter(ctx context.Context, host *hostfn.Host, _ []byte) ([]byte, error) {
	current, err := readCounter(ctx, host)
	if err != nil {
		return nil, err
	}
	return []byte(strconv.FormatInt(current, 10)), nil
}

// sleep waits for the duration in params, e.g. "30s". Long sleeps suspend the worker.
func sleep(ctx context.Context, host *hostfn.Host, params []byte) ([]byte, error) {
	d, err := time.ParseDuration(string(params))
	if err != nil {
		return nil, component.Trapf("invalid duration %q", params)
	}
	if err := host.Sleep(ctx, d); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("slept %s", d)), nil
}
