package explorer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of the window loads and sessions. A nil *Metrics records nothing.
type Metrics struct {
	WindowDuration prometheus.Histogram
	WindowPixels   prometheus.Histogram
	WindowErrors   prometheus.Counter
	RastersOpened  prometheus.Counter
	Sessions       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WindowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedsim_window_load_duration_seconds",
			Help:    "Duration of fetching, decoding and dequantizing a window.",
			Buckets: []float64{0.05, 0.1, 0.3, 0.6, 1, 3, 6, 10, 30},
		}),
		WindowPixels: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedsim_window_pixels",
			Help:    "Number of pixels in loaded windows.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		WindowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedsim_window_errors_total",
			Help: "Window loads that failed to fetch or decode.",
		}),
		RastersOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedsim_rasters_opened_total",
			Help: "Tiles whose header was read.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "embedsim_sessions",
			Help: "Live scoring sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.WindowDuration, m.WindowPixels, m.WindowErrors, m.RastersOpened, m.Sessions)
	}
	return m
}

func (m *Metrics) observeWindow(seconds float64, pixels int) {
	if m != nil {
		m.WindowDuration.Observe(seconds)
		m.WindowPixels.Observe(float64(pixels))
	}
}

func (m *Metrics) windowFailed() {
	if m != nil {
		m.WindowErrors.Inc()
	}
}

func (m *Metrics) rasterOpened() {
	if m != nil {
		m.RastersOpened.Inc()
	}
}

func (m *Metrics) sessionAdded() {
	if m != nil {
		m.Sessions.Inc()
	}
}

func (m *Metrics) sessionRemoved() {
	if m != nil {
		m.Sessions.Dec()
	}
}
