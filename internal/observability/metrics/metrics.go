package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fairfy"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verdicts_total",
		Help:      "Verification verdicts issued by the verifier, by job kind and outcome.",
	}, []string{"kind", "outcome", "reason"})

	repeatedRoots = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repeated_roots_total",
		Help:      "Commitments whose root had already been recorded.",
	})

	rounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_total",
		Help:      "Attestation rounds driven by the agent, by final state.",
	}, []string{"state"})

	roundLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "round_duration_seconds",
		Help:      "Wall time of one attestation round.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	sendRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_retries_total",
		Help:      "Retried sends to the verifier, by message kind.",
	}, []string{"kind"})

	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state of the sync loop (0 closed, 1 half-open, 2 open).",
	})

	breakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_trips_total",
		Help:      "Number of times the sync loop circuit breaker opened.",
	})

	snapshotBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snapshot_bytes",
		Help:      "Size of the most recent memory snapshot in bytes.",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests,
		httpErrors,
		httpLatency,
		verdicts,
		repeatedRoots,
		rounds,
		roundLatency,
		sendRetries,
		breakerState,
		breakerTrips,
		snapshotBytes,
	)
}

// Registry exposes the registry backing Handler, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveVerdict counts a verifier outcome. reason is empty for accepted jobs.
func ObserveVerdict(kind string, accepted bool, reason string) {
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	verdicts.WithLabelValues(kind, outcome, reason).Inc()
}

// ObserveRepeatedRoot counts a commitment whose root was seen before.
func ObserveRepeatedRoot() {
	repeatedRoots.Inc()
}

// ObserveRound records the final state and duration of an agent round.
func ObserveRound(state string, duration time.Duration, snapshot int) {
	rounds.WithLabelValues(state).Inc()
	roundLatency.Observe(duration.Seconds())
	if snapshot > 0 {
		snapshotBytes.Set(float64(snapshot))
	}
}

// ObserveSendRetry counts one retried send.
func ObserveSendRetry(kind string) {
	sendRetries.WithLabelValues(kind).Inc()
}

// SetBreakerState publishes the breaker state as a numeric gauge.
func SetBreakerState(state int) {
	breakerState.Set(float64(state))
}

// ObserveBreakerTrip counts one transition of the breaker into the open state.
func ObserveBreakerTrip() {
	breakerTrips.Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
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
