package amm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus instruments. One instance is shared
// by the registry, its pools and any routers built on top of it.
type Metrics struct {
	poolsCreated        prometheus.Counter
	swapsTotal          *prometheus.CounterVec
	swapInputVolume     *prometheus.CounterVec
	liquidityOpsTotal   *prometheus.CounterVec
	invariantViolations prometheus.Counter
	routeSearchDuration prometheus.Histogram
}

// NewMetrics creates and registers the engine instruments on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		poolsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "amm",
			Name:      "pools_created_total",
			Help:      "Number of pools allocated by the registry.",
		}),
		swapsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amm",
			Name:      "swaps_total",
			Help:      "Swap executions by result.",
		}, []string{"result"}),
		swapInputVolume: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amm",
			Name:      "swap_input_volume_total",
			Help:      "Cumulative swap input per token, in base units. Approximate for very large amounts.",
		}, []string{"token"}),
		liquidityOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amm",
			Name:      "liquidity_ops_total",
			Help:      "Liquidity additions and removals by result.",
		}, []string{"op", "result"}),
		invariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "amm",
			Name:      "invariant_violations_total",
			Help:      "Fatal constant-product invariant violations. Any increase requires operator attention.",
		}),
		routeSearchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "amm",
			Name:      "route_search_duration_seconds",
			Help:      "Latency of best-route searches.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
}

const (
	resultOK    = "ok"
	resultError = "error"
)

func resultLabel(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}
