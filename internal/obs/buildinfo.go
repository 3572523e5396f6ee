package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo: gauge со статич. значением 1 и метками бинаря/версии.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "boxoffice_build_info",
			Help: "Boxoffice build information.",
		},
		[]string{"binary", "version"},
	)
)

// InitBuildInfo registers build_info once and sets it for the running binary.
func InitBuildInfo(binary, version string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(binary, version).Set(1)
}
