package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /metrics and a /healthz probe for an executor process.
type Server struct {
	server  *http.Server
	errChan chan error
}

// NewServer creates a metrics server on the specified address, e.g. ":9090".
// ready reports executor readiness on /healthz; nil means always ready.
func NewServer(addr string, ready func() bool) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		errChan: make(chan error, 1),
	}
}

// Start serves in a goroutine and returns immediately. Check Err to detect startup failures.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errChan <- err:
			default:
			}
		}
	}()
}

// Err returns a serve error if one occurred. It does not block.
func (s *Server) Err() error {
	select {
	case err := <-s.errChan:
		return err
	default:
		return nil
	}
}

// Shutdown gracefully shuts down the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
