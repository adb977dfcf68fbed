// Package monitoring serves a store's Prometheus metrics and the runtime
// profiler over HTTP.
package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CVDpl/go-soplog/internal/common"
)

// Handler routes /metrics to gatherer and /debug/pprof/ to the profiler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Server is a running monitoring endpoint.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr (for example ":6060" or "127.0.0.1:0") and serves
// Handler(gatherer) in the background.
func Start(addr string, gatherer prometheus.Gatherer, logger common.Logger) (*Server, error) {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{srv: &http.Server{Handler: Handler(gatherer)}, ln: ln}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitoring server stopped", "addr", ln.Addr().String(), "error", err.Error())
		}
	}()
	logger.Info("monitoring server listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
