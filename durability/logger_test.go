package durability

import (
	"context"
	"sync"
)

type capturingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *capturingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *capturingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

func (l *capturingLogger) Debug(_ context.Context, msg string, _ ...interface{}) { l.record(msg) }
func (l *capturingLogger) Info(_ context.Context, msg string, _ ...interface{})  { l.record(msg) }
func (l *capturingLogger) Error(_ context.Context, msg string, _ ...interface{}) { l.record(msg) }
