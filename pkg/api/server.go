// Package api exposes the services over HTTP. Handlers are thin: they decode
// and validate input, take the caller's identity from the bearer token and
// translate domain errors to status codes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"contentfleet/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// NewRouter returns a router with the endpoints every service exposes and
// the common middleware installed. Service handlers register on it.
func NewRouter(logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, logRequests(logger), recoverPanics(logger))
	r.Handle("/healthz", instrument("healthz", healthz)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument wraps fn with a server span and a request duration metric
// labelled by route.
func instrument(label string, fn http.HandlerFunc) http.Handler {
	handler := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		fn(rec, r)
		metrics.RequestDurationMs.
			WithLabelValues(label, r.Method, strconv.Itoa(rec.Status())).
			Observe(float64(time.Since(start).Milliseconds()))
	}
	return otelhttp.NewHandler(http.HandlerFunc(handler), label)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	logger.Info("http api available", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "serving http on %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down http api", "addr", addr)
		return srv.Shutdown(shutdownCtx)
	}
}
