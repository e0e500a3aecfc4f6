// Package callmetrics holds the Prometheus instrumentation for the call
// signaling core, grounded on ManuGH-xg2g's pattern of registering against
// a caller-supplied registry rather than the global default (keeps tests
// hermetic — each Instance can own its own Registry).
package callmetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the signaling core emits.
type Registry struct {
	CallsStarted      *prometheus.CounterVec
	CallsEstablished  prometheus.Counter
	CallsClosed       *prometheus.CounterVec
	RestartsTotal     *prometheus.CounterVec
	QualitySamples    *prometheus.CounterVec
	RTTMilliseconds   prometheus.Histogram
}

// New creates and registers a Registry against reg. reg must not be nil;
// pass prometheus.NewRegistry() for tests, or a shared production registry.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		CallsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcore",
			Name:      "calls_started_total",
			Help:      "Calls started, by conversation type.",
		}, []string{"conv_type"}),
		CallsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callcore",
			Name:      "calls_established_total",
			Help:      "Calls that reached MEDIA_ESTAB.",
		}),
		CallsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcore",
			Name:      "calls_closed_total",
			Help:      "Calls closed, by application-facing close reason.",
		}, []string{"reason"}),
		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcore",
			Name:      "restarts_total",
			Help:      "Ecall restarts, by conversation type.",
		}, []string{"conv_type"}),
		QualitySamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcore",
			Name:      "quality_samples_total",
			Help:      "Quality reporter samples, by coarse quality bucket.",
		}, []string{"quality"}),
		RTTMilliseconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "callcore",
			Name:      "quality_rtt_milliseconds",
			Help:      "Round-trip time reported by the media flow's quality samples.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1600},
		}),
	}
	reg.MustRegister(
		r.CallsStarted,
		r.CallsEstablished,
		r.CallsClosed,
		r.RestartsTotal,
		r.QualitySamples,
		r.RTTMilliseconds,
	)
	return r
}
