package dal

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports operation counts and latencies.
type PrometheusObserver struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusObserver registers the dal collectors with reg.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "dal"
	}
	o := &PrometheusObserver{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Data access operations by outcome.",
		}, []string{"op", "collection", "backend", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Data access operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "backend"}),
	}
	for _, c := range []prometheus.Collector{o.ops, o.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// OnDataOp implements Observer.
func (o *PrometheusObserver) OnDataOp(_ context.Context, op, collection, _ string, hit bool, err error, dur time.Duration, backend BackendType) {
	o.ops.WithLabelValues(op, collection, string(backend), resultLabel(op, hit, err)).Inc()
	o.duration.WithLabelValues(op, string(backend)).Observe(dur.Seconds())
}

func resultLabel(op string, hit bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case op == OpGet || op == OpCacheGet:
		if hit {
			return "hit"
		}
		return "miss"
	default:
		return "ok"
	}
}
