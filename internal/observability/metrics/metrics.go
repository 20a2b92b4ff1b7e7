// Package metrics registers the relay's Prometheus collectors and exposes
// small observation helpers so callers never touch label ordering.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferelay_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferelay_http_request_errors_total",
		Help: "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saferelay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saferelay_builder_stage_duration_seconds",
		Help:    "Duration of each Safe transaction pipeline stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage", "result"})

	ladderRungs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferelay_gas_ladder_rungs_total",
		Help: "Gas ladder probe calls by outcome.",
	}, []string{"outcome"})

	estimates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferelay_gas_estimates_total",
		Help: "Gas estimations by strategy and result.",
	}, []string{"strategy", "result"})

	relays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferelay_relays_total",
		Help: "Relayed Safe transactions by final state.",
	}, []string{"state"})

	jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferelay_jobs_total",
		Help: "Relay jobs finished by the processor, by status.",
	}, []string{"status"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "saferelay_jobs_in_flight",
		Help: "Relay jobs currently being processed.",
	})
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveStage records how long a builder stage took and whether it failed.
func ObserveStage(stage string, err error, duration time.Duration) {
	stageDuration.WithLabelValues(stage, result(err)).Observe(duration.Seconds())
}

// ObserveLadderRung counts one probe call by outcome ("success", "revert", "error", "empty").
func ObserveLadderRung(outcome string) {
	ladderRungs.WithLabelValues(outcome).Inc()
}

// ObserveEstimate counts a finished estimation.
func ObserveEstimate(strategy string, failed bool) {
	r := "ok"
	if failed {
		r = "failed"
	}
	estimates.WithLabelValues(strategy, r).Inc()
}

// ObserveRelay counts a transaction that left the builder in state.
func ObserveRelay(state string) {
	relays.WithLabelValues(state).Inc()
}

// ObserveJob counts a processed relay job.
func ObserveJob(status string) {
	jobs.WithLabelValues(status).Inc()
}

// JobStarted and JobFinished track in-flight jobs.
func JobStarted() { queueDepth.Inc() }

func JobFinished() { queueDepth.Dec() }

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler exposes the default registry in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
