// Package monitoring exposes Prometheus metrics for the syscall boundary.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Syscall metrics
	SyscallsTotal *prometheus.CounterVec
	TurnDuration  prometheus.Histogram

	// Slot metrics
	SlotsActive prometheus.Gauge
	SlotExits   *prometheus.CounterVec

	// Buffer mirror metrics
	CopyBytes  *prometheus.HistogramVec
	CopyErrors prometheus.Counter

	// Resume metrics
	ResumesTotal *prometheus.CounterVec
}

// New creates a new metrics collector registered on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates a metrics collector on a caller-supplied registerer.
// Tests use a fresh registry to avoid duplicate registration.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SyscallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostemu_syscalls_total",
				Help: "Total syscalls handled, by syscall class",
			},
			[]string{"class"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hostemu_turn_duration_seconds",
				Help:    "Duration of one syscall turn including buffer copies",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
		),
		SlotsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostemu_slots_active",
				Help: "Number of application slots not yet exited",
			},
		),
		SlotExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostemu_slot_exits_total",
				Help: "Slot exits, by reason",
			},
			[]string{"reason"},
		),
		CopyBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostemu_buffer_copy_bytes",
				Help:    "Bytes moved per buffer mirror copy",
				Buckets: []float64{8, 64, 256, 1024, 4096, 16384, 65536},
			},
			[]string{"direction"},
		),
		CopyErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hostemu_buffer_copy_errors_total",
				Help: "Buffer mirror copy failures",
			},
		),
		ResumesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostemu_resumes_total",
				Help: "Resume messages sent, by kind",
			},
			[]string{"kind"},
		),
	}
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a blocking /metrics listener on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
