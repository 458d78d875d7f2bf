package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chittyos/evidence-ledger/common/logger"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string

	mu      sync.Mutex
	servers []*http.Server
}

// New creates telemetry components. A zero port disables that endpoint.
func New(pprofPort, metricsPort int, log *logger.Logger) *Telemetry {
	t := &Telemetry{log: log}
	if pprofPort > 0 {
		t.pprofAddr = fmt.Sprintf("localhost:%d", pprofPort)
	}
	if metricsPort > 0 {
		t.metricsAddr = fmt.Sprintf(":%d", metricsPort)
	}
	return t
}

// MetricsHandler serves the default Prometheus registry
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start starts telemetry endpoints. Listen errors are returned; serve errors
// are logged.
func (t *Telemetry) Start(ctx context.Context) error {
	if t.pprofAddr != "" {
		if err := t.serve("pprof", t.pprofAddr, pprofMux()); err != nil {
			return err
		}
	}
	if t.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", MetricsHandler())
		if err := t.serve("metrics", t.metricsAddr, mux); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telemetry) serve(name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listener: %w", name, err)
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	t.mu.Lock()
	t.servers = append(t.servers, srv)
	t.mu.Unlock()

	go func() {
		t.log.Info(name+" server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error(name+" server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts down all endpoints
func (t *Telemetry) Stop(ctx context.Context) error {
	t.mu.Lock()
	servers := t.servers
	t.servers = nil
	t.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
