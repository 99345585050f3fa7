// Package metrics exposes traffic generator counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"webtraffic-generator/pkg/types"
)

const namespace = "webtraffic"

// Recorder is a client and server session observer backed by a private
// Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestBytes   *prometheus.CounterVec
	requestedBytes *prometheus.CounterVec
	receivedBytes  *prometheus.CounterVec
	completed      *prometheus.CounterVec
	failed         *prometheus.CounterVec
	fetchSeconds   *prometheus.HistogramVec
	pages          prometheus.Counter
	pageObjects    prometheus.Counter
	pageSeconds    prometheus.Histogram

	accepted       prometheus.Counter
	serverRx       prometheus.Counter
	responses      prometheus.Counter
	protocolErrors prometheus.Counter
}

// NewRecorder creates a recorder with every collector registered.
func NewRecorder() *Recorder {
	roleCounter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      name,
			Help:      help,
		}, []string{"role"})
	}
	serverCounter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      name,
			Help:      help,
		})
	}

	r := &Recorder{
		registry:       prometheus.NewRegistry(),
		requests:       roleCounter("requests_total", "Request frames sent."),
		requestBytes:   roleCounter("request_bytes_total", "Request bytes sent, header included."),
		requestedBytes: roleCounter("requested_bytes_total", "Response bytes asked for."),
		receivedBytes:  roleCounter("received_bytes_total", "Response bytes received."),
		completed:      roleCounter("fetches_completed_total", "Responses fully received."),
		failed:         roleCounter("fetch_failures_total", "Connect or send failures."),
		fetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "fetch_duration_seconds",
			Help:      "Time from request send to last response byte.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"role"}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pages_completed_total",
			Help:      "Pages whose primary and embedded objects all arrived.",
		}),
		pageObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "page_objects_total",
			Help:      "Embedded objects fetched for completed pages.",
		}),
		pageSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "page_execution_seconds",
			Help:      "Page execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		accepted:       serverCounter("accepted_total", "Connections accepted."),
		serverRx:       serverCounter("received_bytes_total", "Request bytes received."),
		responses:      serverCounter("responses_total", "Responses sent."),
		protocolErrors: serverCounter("protocol_errors_total", "Connections dropped for a malformed or overlong request."),
	}

	r.registry.MustRegister(
		r.requests, r.requestBytes, r.requestedBytes, r.receivedBytes,
		r.completed, r.failed, r.fetchSeconds,
		r.pages, r.pageObjects, r.pageSeconds,
		r.accepted, r.serverRx, r.responses, r.protocolErrors,
	)
	return r
}

// Registry returns the recorder's registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) RequestSent(role types.Role, requestSize, responseSize uint32) {
	l := role.String()
	r.requests.WithLabelValues(l).Inc()
	r.requestBytes.WithLabelValues(l).Add(float64(requestSize))
	r.requestedBytes.WithLabelValues(l).Add(float64(responseSize))
}

func (r *Recorder) BytesReceived(role types.Role, n int) {
	r.receivedBytes.WithLabelValues(role.String()).Add(float64(n))
}

func (r *Recorder) FetchCompleted(role types.Role, _ uint32, elapsed time.Duration) {
	r.completed.WithLabelValues(role.String()).Inc()
	r.fetchSeconds.WithLabelValues(role.String()).Observe(elapsed.Seconds())
}

func (r *Recorder) FetchFailed(role types.Role, _ error) {
	r.failed.WithLabelValues(role.String()).Inc()
}

func (r *Recorder) PageCompleted(rec types.RequestRecord, objects uint32) {
	r.pages.Inc()
	r.pageObjects.Add(float64(objects))
	r.pageSeconds.Observe(rec.RequestExecutionTime)
}

func (r *Recorder) Accepted(net.Addr) { r.accepted.Inc() }

func (r *Recorder) Received(n int) { r.serverRx.Add(float64(n)) }

func (r *Recorder) Responded(uint32, uint32) { r.responses.Inc() }

func (r *Recorder) ProtocolError(error) { r.protocolErrors.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled. The listener is
// bound before Serve returns; serving continues in the background.
func (r *Recorder) Serve(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", ln.Addr().String()).Info("Metrics endpoint listening")
	return ln.Addr(), nil
}
