package vad

import (
	"fmt"
	"math"
)

// Default detector settings, matching the usual Silero iterator options at 16 kHz.
const (
	DefaultThreshold       = 0.5
	DefaultWindowSize      = 512
	DefaultMinSilenceMs    = 500
	DefaultSpeechPadMs     = 100
	DefaultEnergyReference = 0.05

	// exitMargin is subtracted from the threshold to leave the speech state.
	exitMargin = 0.15
)

// EnergyConfig configures an EnergyDetector.
type EnergyConfig struct {
	SampleRate   int
	Threshold    float64 // speech probability needed to enter speech
	WindowSize   int     // samples per decision window
	MinSilenceMs int     // silence needed before an end is reported
	SpeechPadMs  int     // padding applied to reported boundaries
	// Reference is the RMS level mapped to probability 1.
	Reference float64
}

func (c *EnergyConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MinSilenceMs == 0 {
		c.MinSilenceMs = DefaultMinSilenceMs
	}
	if c.SpeechPadMs == 0 {
		c.SpeechPadMs = DefaultSpeechPadMs
	}
	if c.Reference == 0 {
		c.Reference = DefaultEnergyReference
	}
}

// EnergyDetector is an RMS-energy Model with hysteresis. It keeps a
// carry-over buffer so chunks of any size are evaluated in fixed windows,
// and merges the per-window decisions of one chunk into a single Event.
type EnergyDetector struct {
	cfg             EnergyConfig
	minSilence      int
	speechPad       int
	pending         []float32
	currentSample   int
	triggered       bool
	tempEnd         int
	lastProbability float64
}

// NewEnergyDetector validates cfg and returns a ready detector.
func NewEnergyDetector(cfg EnergyConfig) (*EnergyDetector, error) {
	cfg.applyDefaults()

	if cfg.Threshold <= exitMargin || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (%.2f, 1], got %f", exitMargin, cfg.Threshold)
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", cfg.WindowSize)
	}
	if cfg.MinSilenceMs < 0 || cfg.SpeechPadMs < 0 {
		return nil, fmt.Errorf("durations cannot be negative")
	}
	if cfg.Reference <= 0 {
		return nil, fmt.Errorf("energy reference must be positive, got %f", cfg.Reference)
	}

	d := &EnergyDetector{
		cfg:        cfg,
		minSilence: cfg.SampleRate * cfg.MinSilenceMs / 1000,
		speechPad:  cfg.SampleRate * cfg.SpeechPadMs / 1000,
	}
	return d, nil
}

// Reset clears the detector state.
func (d *EnergyDetector) Reset() {
	d.pending = d.pending[:0]
	d.currentSample = 0
	d.triggered = false
	d.tempEnd = 0
	d.lastProbability = 0
}

// Probability returns the speech probability of the last evaluated window.
func (d *EnergyDetector) Probability() float64 { return d.lastProbability }

// Step implements Model.
func (d *EnergyDetector) Step(samples []float32) (Event, bool) {
	d.pending = append(d.pending, samples...)

	var (
		ev    Event
		found bool
	)
	window := d.cfg.WindowSize
	consumed := 0
	for len(d.pending)-consumed >= window {
		r, ok := d.window(d.pending[consumed : consumed+window])
		consumed += window
		if ok {
			ev, found = merge(ev, found, r)
		}
	}
	d.pending = append(d.pending[:0], d.pending[consumed:]...)

	return ev, found
}

// merge folds a later window decision into the chunk's event. A later end
// extends the utterance, a start after a complete span keeps the earlier
// onset, and a start right after an end cancels both.
func merge(ev Event, found bool, next Event) (Event, bool) {
	if !found {
		return next, true
	}
	switch {
	case next.HasEnd() && ev.HasStart():
		return Span(ev.Start, next.End), true
	case next.HasEnd():
		return EndAt(next.End), true
	case ev.Kind == KindBoth:
		return StartAt(ev.Start), true
	case ev.Kind == KindEnd:
		return Event{}, false
	}
	return next, true
}

func (d *EnergyDetector) window(samples []float32) (Event, bool) {
	prob := d.probability(samples)
	d.lastProbability = prob
	d.currentSample += len(samples)

	if prob >= d.cfg.Threshold && d.tempEnd != 0 {
		d.tempEnd = 0
	}

	if prob >= d.cfg.Threshold && !d.triggered {
		d.triggered = true
		start := d.currentSample - d.speechPad - len(samples)
		if start < 0 {
			start = 0
		}
		return StartAt(start), true
	}

	if prob < d.cfg.Threshold-exitMargin && d.triggered {
		if d.tempEnd == 0 {
			d.tempEnd = d.currentSample
		}
		if d.currentSample-d.tempEnd < d.minSilence {
			return Event{}, false
		}
		end := d.tempEnd + d.speechPad - len(samples)
		d.tempEnd = 0
		d.triggered = false
		return EndAt(end), true
	}

	return Event{}, false
}

func (d *EnergyDetector) probability(samples []float32) float64 {
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy / float64(len(samples)))

	p := rms / d.cfg.Reference
	if p > 1 {
		p = 1
	}
	return p
}
