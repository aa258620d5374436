package observability

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkilian/spool/internal/events"
	"github.com/arkilian/spool/pkg/types"
)

const defaultNamespace = "spool"

// PrometheusSink exports upload lifecycle events as Prometheus metrics.
type PrometheusSink struct {
	added    prometheus.Counter
	finished prometheus.Counter
	failures *prometheus.CounterVec
	bytes    prometheus.Counter
	duration prometheus.Histogram
}

// NewPrometheusSink registers the upload metrics with reg (the default
// registerer when nil). Registering twice reuses the existing collectors.
func NewPrometheusSink(namespace string, reg prometheus.Registerer) (*PrometheusSink, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	s := &PrometheusSink{}
	if s.added, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_added_total",
		Help:      "Records accepted or recovered for upload.",
	})); err != nil {
		return nil, err
	}
	if s.finished, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_finished_total",
		Help:      "Records uploaded successfully.",
	})); err != nil {
		return nil, err
	}
	if s.failures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_failures_total",
		Help:      "Failed upload attempts by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if s.bytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploaded_bytes_total",
		Help:      "Cumulative payload size of finished uploads.",
	})); err != nil {
		return nil, err
	}
	if s.duration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_duration_seconds",
		Help:      "Time from record creation to finished upload.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})); err != nil {
		return nil, err
	}

	// Pre-create every reason so the series exist at zero.
	for _, r := range types.AllFailReasons() {
		s.failures.WithLabelValues(r.String())
	}
	return s, nil
}

// register adds c to reg, returning the already registered collector of the
// same description instead when there is one.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("register upload metrics: %w", err)
}

func (s *PrometheusSink) OnAdded(rec *types.UploadRecord) {
	s.added.Inc()
}

func (s *PrometheusSink) OnProgress(rec *types.UploadRecord, done int64) {}

func (s *PrometheusSink) OnFinished(rec *types.UploadRecord, node *types.Node) {
	s.finished.Inc()
	s.bytes.Add(float64(uploadedBytes(rec, node)))
	if !rec.CreatedAt.IsZero() {
		s.duration.Observe(time.Since(rec.CreatedAt).Seconds())
	}
}

func (s *PrometheusSink) OnFailed(rec *types.UploadRecord, reason types.FailReason, err error) {
	s.failures.WithLabelValues(reason.String()).Inc()
}

// Handler serves the metrics gathered by g (the default gatherer when nil).
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ events.Sink = (*PrometheusSink)(nil)
