package coordinator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	// operationsTotal counts mesh operations by name and result.
	// Labels: op = join|leave|remap|evict, result = ok|not_found|conflict|full|error
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtree_operations_total",
		Help: "Mesh membership operations by result",
	}, []string{"op", "result"})

	membersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshtree_members",
		Help: "Registered mesh members",
	})

	placementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshtree_placement_duration_seconds",
		Help:    "Time spent placing a joining node",
		Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
	})

	placementDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshtree_placement_depth",
		Help:    "Depth at which joining nodes were placed",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtree_health_checks_total",
		Help: "Member health probes by result",
	}, []string{"result"})
)

var (
	tracerOnce sync.Once
	tracer     trace.Tracer
)

// getTracer returns the package tracer, resolved lazily so a provider
// installed after init is picked up.
func getTracer() trace.Tracer {
	tracerOnce.Do(func() {
		tracer = otel.Tracer("meshtree/coordinator")
	})
	return tracer
}
