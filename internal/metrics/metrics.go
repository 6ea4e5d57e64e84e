// Package metrics exports detection activity as Prometheus collectors.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ColonelBlimp/tonelink/internal/detect"
)

const namespace = "tonelink"

// Metrics holds the collectors for one receiver.
type Metrics struct {
	mu sync.Mutex

	detections       *prometheus.CounterVec // Accepted detections (by channel)
	noSignal         prometheus.Counter     // No-signal notifications
	intensity        *prometheus.GaugeVec   // Last per-channel intensity (by channel)
	outOfRange       *prometheus.GaugeVec   // 1 when the channel's bin is beyond the spectrum
	level            prometheus.Gauge       // Peak spectrum level [0,1]
	maxIntensity     prometheus.Gauge       // Intensity of the selected channel
	cooling          prometheus.Gauge       // 1 while the cooldown is active
	running          prometheus.Gauge       // 1 while the detection loop runs
	sourceAvailable  prometheus.Gauge       // 1 when the last tick had a spectrum
	resolution       prometheus.Gauge       // Hz per FFT bin
	ticksTotal       prometheus.Counter     // Detection ticks processed
	skippedTicks     prometheus.Counter     // Ticks skipped with no spectrum
	wsClients        prometheus.Gauge       // Connected websocket clients
	publishErrors    prometheus.Counter     // Failed MQTT publishes
	lastTicks        uint64
	lastSkippedTicks uint64
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		detections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detections_total",
				Help:      "Total accepted channel detections",
			},
			[]string{"channel"},
		),
		noSignal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_signal_total",
			Help:      "Total no-signal notifications",
		}),
		intensity: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channel_intensity",
				Help:      "Last scored intensity per channel (0-1)",
			},
			[]string{"channel"},
		),
		outOfRange: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channel_out_of_range",
				Help:      "Channel target lies beyond the analyzed spectrum (1=out of range)",
			},
			[]string{"channel"},
		),
		level: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spectrum_level",
			Help:      "Peak normalized spectrum magnitude across all bins (0-1)",
		}),
		maxIntensity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_intensity",
			Help:      "Intensity of the strongest channel on the last tick",
		}),
		cooling: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cooldown_active",
			Help:      "Detection cooldown status (1=cooling, 0=idle)",
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_running",
			Help:      "Detection loop status (1=running, 0=stopped)",
		}),
		sourceAvailable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_available",
			Help:      "Spectrum availability on the last tick (1=available)",
		}),
		resolution: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frequency_resolution_hz",
			Help:      "Spectrum bin width in Hz",
		}),
		ticksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Total detection ticks, including skipped ones",
		}),
		skippedTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_ticks_total",
			Help:      "Total detection ticks skipped because no spectrum was available",
		}),
		wsClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Currently connected diagnostics websocket clients",
		}),
		publishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total failed event publishes to the message broker",
		}),
	}
}

// ChannelDetected counts an accepted detection.
func (m *Metrics) ChannelDetected(channel int) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(strconv.Itoa(channel)).Inc()
}

// NoSignal counts a no-signal notification.
func (m *Metrics) NoSignal() {
	if m == nil {
		return
	}
	m.noSignal.Inc()
}

// LevelChanged records the overall spectrum level of the last tick.
func (m *Metrics) LevelChanged(level float64) {
	if m == nil {
		return
	}
	m.level.Set(level)
}

// SetWebSocketClients records the number of connected websocket clients.
func (m *Metrics) SetWebSocketClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

// PublishFailed counts a failed broker publish.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

// ObserveSnapshot updates the gauges from a diagnostics snapshot. The level
// gauge is fed by LevelChanged instead. Tick
// counters advance by the difference since the previous snapshot; a restart
// of the loop resets the baseline.
func (m *Metrics) ObserveSnapshot(s detect.Snapshot) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.running.Set(boolGauge(s.Running))
	m.sourceAvailable.Set(boolGauge(s.SourceAvailable))
	m.cooling.Set(boolGauge(s.State == detect.Cooling))
	m.maxIntensity.Set(s.MaxIntensity)
	m.resolution.Set(s.Resolution)

	for _, ch := range s.Channels {
		label := strconv.Itoa(ch.Channel)
		m.intensity.WithLabelValues(label).Set(ch.Intensity)
		m.outOfRange.WithLabelValues(label).Set(boolGauge(ch.OutOfRange))
	}

	if s.Ticks < m.lastTicks || s.SkippedTicks < m.lastSkippedTicks {
		m.lastTicks, m.lastSkippedTicks = 0, 0
	}
	if d := s.Ticks - m.lastTicks; d > 0 {
		m.ticksTotal.Add(float64(d))
	}
	if d := s.SkippedTicks - m.lastSkippedTicks; d > 0 {
		m.skippedTicks.Add(float64(d))
	}
	m.lastTicks = s.Ticks
	m.lastSkippedTicks = s.SkippedTicks
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
