package execctx

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for device resolution outcomes.
const (
	outcomeOK       = "ok"
	outcomeFallback = "fallback"
	outcomeError    = "error"
)

var deviceResolutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "runctx_device_resolutions_total",
		Help: "Total number of device resolutions by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(deviceResolutionsTotal)

	for _, o := range []string{outcomeOK, outcomeFallback, outcomeError} {
		deviceResolutionsTotal.WithLabelValues(o)
	}
}
