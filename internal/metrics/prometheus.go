package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the process-wide Prometheus instruments. A nil
// *Collectors is valid and records nothing.
type Collectors struct {
	ActiveSessions   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	AudioSeconds     prometheus.Counter
	BackendRequests  prometheus.Counter
	BackendFailures  prometheus.Counter
	BackendDuration  prometheus.Histogram
	ResultsEmitted   *prometheus.CounterVec
	VADEvents        *prometheus.CounterVec
	SinkFailures     *prometheus.CounterVec
	NewlinesInserted prometheus.Counter
}

// NewCollectors creates the instruments and registers them with reg.
// Passing nil registers them with the default registry.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collectors{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "captioner_active_sessions",
			Help: "Current number of calls being captioned",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "captioner_sessions_total",
			Help: "Total number of calls accepted",
		}),
		AudioSeconds: factory.NewCounter(prometheus.CounterOpts{
			Name: "captioner_audio_seconds_total",
			Help: "Seconds of audio fed to the voice activity gate",
		}),
		BackendRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "captioner_backend_requests_total",
			Help: "Total number of transcription backend calls",
		}),
		BackendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "captioner_backend_failures_total",
			Help: "Total number of failed transcription backend calls",
		}),
		BackendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "captioner_backend_duration_seconds",
			Help:    "Duration of transcription backend calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		ResultsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "captioner_results_total",
			Help: "Non-empty results emitted, by kind",
		}, []string{"kind"}),
		VADEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "captioner_vad_events_total",
			Help: "Voice activity boundaries reported, by kind",
		}, []string{"kind"}),
		SinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "captioner_sink_failures_total",
			Help: "Failed result deliveries, by sink",
		}, []string{"sink"}),
		NewlinesInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "captioner_newlines_total",
			Help: "Paragraph breaks inserted after long silences",
		}),
	}
}

// RecordBackendCall records one transcription request and its outcome.
func (c *Collectors) RecordBackendCall(elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.BackendRequests.Inc()
	c.BackendDuration.Observe(elapsed.Seconds())
	if err != nil {
		c.BackendFailures.Inc()
	}
}

// RecordResult counts an emitted result as partial or final.
func (c *Collectors) RecordResult(final bool) {
	if c == nil {
		return
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	c.ResultsEmitted.WithLabelValues(kind).Inc()
}

// RecordVADEvent counts a voice activity boundary by kind name.
func (c *Collectors) RecordVADEvent(kind string) {
	if c == nil {
		return
	}
	c.VADEvents.WithLabelValues(kind).Inc()
}

func (c *Collectors) RecordNewline() {
	if c == nil {
		return
	}
	c.NewlinesInserted.Inc()
}

func (c *Collectors) RecordSinkFailure(sink string) {
	if c == nil {
		return
	}
	c.SinkFailures.WithLabelValues(sink).Inc()
}

func (c *Collectors) AddAudio(seconds float64) {
	if c == nil {
		return
	}
	c.AudioSeconds.Add(seconds)
}

// SessionStarted bumps the active gauge and the session counter.
func (c *Collectors) SessionStarted() {
	if c == nil {
		return
	}
	c.SessionsTotal.Inc()
	c.ActiveSessions.Inc()
}

func (c *Collectors) SessionEnded() {
	if c == nil {
		return
	}
	c.ActiveSessions.Dec()
}
