package device

import "github.com/prometheus/client_golang/prometheus"

var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runctx_device_probes_total",
			Help: "Total number of visible-device queries by provider.",
		},
		[]string{"provider"},
	)

	visibleDevices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runctx_visible_devices",
			Help: "Number of accelerator devices reported by the last probe of each provider.",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(probesTotal)
	prometheus.MustRegister(visibleDevices)
}
