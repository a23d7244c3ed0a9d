package metrics

import (
	"github.com/ThomasHabets/livecount/internal/platform/version"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterBuildInfo exposes build metadata as a constant gauge with value 1.
func RegisterBuildInfo(reg prometheus.Registerer, info version.Info) {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information (value is always 1).",
	}, []string{"version", "commit", "build_time", "go_version"})
	reg.MustRegister(g)
	g.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)
}
