package component

import (
	"context"
	"sort"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/hostfn"
)

// Func is an exported function written in Go.
type Func func(ctx context.Context, host *hostfn.Host, params []byte) ([]byte, error)

// FromFuncs builds a component whose exports are plain Go functions.
// Guests built this way must reach every nondeterministic value through the host.
func FromFuncs(id durable.ComponentID, version durable.ComponentVersion, funcs map[string]Func) *Component {
	exports := make([]string, 0, len(funcs))
	for name := range funcs {
		exports = append(exports, name)
	}
	sort.Strings(exports)

	return &Component{
		ID:      id,
		Version: version,
		Exports: exports,
		Instantiate: func(host *hostfn.Host) (Guest, error) {
			return &funcGuest{host: host, funcs: funcs}, nil
		},
	}
}

type funcGuest struct {
	host  *hostfn.Host
	funcs map[string]Func
}

func (g *funcGuest) Invoke(ctx context.Context, function string, params []byte) ([]byte, error) {
	fn, ok := g.funcs[function]
	if !ok {
		return nil, ErrFunctionNotExported
	}
	return fn(ctx, g.host, params)
}
