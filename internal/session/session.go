// Package session runs one audio stream through the voice activity gate
// and delivers its captions.
package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/gate"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/metrics"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/sink"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/transcriber"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/vad"
)

// Factory builds sessions that share sinks and metrics but own their
// backend connection, detector and buffers.
type Factory struct {
	// Dial opens the transcription backend for one session. Backends that
	// implement io.Closer are closed with the session.
	Dial func(ctx context.Context) (transcriber.Backend, error)
	// NewDetector returns a fresh voice activity model. When nil, an
	// energy detector built from VAD is used.
	NewDetector func() (vad.Model, error)
	BackendName string

	VAD       vad.EnergyConfig
	Gate      gate.Config
	Processor transcriber.Config

	Sinks   sink.Sink
	Logger  *log.Logger
	Metrics *metrics.Collectors
}

// Session is one captioned stream. Push and Close must not be called
// concurrently.
type Session struct {
	info       sink.SessionInfo
	gate       *gate.Gate
	proc       *transcriber.OnlineProcessor
	backend    transcriber.Backend
	sinks      sink.Sink
	transcript Transcript
	stats      *metrics.SessionMetrics
	collectors *metrics.Collectors
	logger     *log.Logger
	seq        int
	closed     bool
	now        func() time.Time
}

// Open dials the backend and registers the session with the sinks. Sink
// failures are logged; only backend and detector failures are returned.
func (f *Factory) Open(ctx context.Context, info sink.SessionInfo) (*Session, error) {
	logger := f.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("session", info.ID.String()[:8])

	detector, err := f.detector()
	if err != nil {
		return nil, fmt.Errorf("failed to create voice activity detector: %w", err)
	}

	backend, err := f.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcription backend: %w", err)
	}

	procCfg := f.Processor
	procCfg.SampleRate = f.Gate.SampleRate
	procCfg.Logger = logger
	procCfg.Metrics = f.Metrics
	proc, err := transcriber.NewOnlineProcessor(backend, procCfg)
	if err != nil {
		closeBackend(backend)
		return nil, err
	}

	gateCfg := f.Gate
	gateCfg.Logger = logger
	gateCfg.Metrics = f.Metrics
	g, err := gate.New(detector, proc, gateCfg)
	if err != nil {
		closeBackend(backend)
		return nil, err
	}

	s := &Session{
		info:       info,
		gate:       g,
		proc:       proc,
		backend:    backend,
		sinks:      f.Sinks,
		stats:      metrics.NewSessionMetrics(f.BackendName, info.ID.String(), f.Gate.SampleRate),
		collectors: f.Metrics,
		logger:     logger,
		now:        time.Now,
	}

	f.Metrics.SessionStarted()
	if s.sinks != nil {
		if err := s.sinks.Start(ctx, info); err != nil {
			logger.Warn("Failed to register session with sinks", "err", err)
		}
	}
	logger.Info("Session started", "source", info.Source, "backend", f.BackendName)
	return s, nil
}

func (f *Factory) detector() (vad.Model, error) {
	if f.NewDetector != nil {
		return f.NewDetector()
	}
	cfg := f.VAD
	cfg.SampleRate = f.Gate.SampleRate
	return vad.NewEnergyDetector(cfg)
}

// ID returns the session identifier as a string.
func (s *Session) ID() string { return s.info.ID.String() }

// Push feeds one chunk at the processing sample rate and polls the gate.
// It returns the caption emitted for this chunk, if any.
func (s *Session) Push(ctx context.Context, samples []float32) (sink.Caption, bool) {
	s.stats.AddAudioSamples(len(samples))
	s.gate.InsertAudioChunk(samples)
	finalizing := s.gate.PendingFinalize()
	return s.emit(ctx, s.gate.ProcessIter(ctx), finalizing)
}

// Marker records an out-of-band event in the transcript.
func (s *Session) Marker(marker string) {
	s.transcript.AddMarker(marker)
}

// Transcript returns the text accumulated so far.
func (s *Session) Transcript() string { return s.transcript.String() }

// Stats returns the session's metrics.
func (s *Session) Stats() *metrics.SessionMetrics { return s.stats }

// Close flushes the current utterance, reports the end to the sinks and
// releases the backend. The last caption is returned when there was one.
func (s *Session) Close(ctx context.Context, reason string) (sink.Caption, bool) {
	if s.closed {
		return sink.Caption{}, false
	}
	s.closed = true

	c, ok := s.emit(ctx, s.gate.Finish(ctx), true)

	s.stats.AddFailures(s.proc.Failures())
	s.stats.Finalize()
	s.collectors.SessionEnded()

	if s.sinks != nil {
		end := sink.SessionEnd{
			ID:           s.info.ID,
			EndedAt:      s.now(),
			Reason:       reason,
			Transcript:   s.transcript.String(),
			AudioSeconds: s.stats.AudioSeconds(),
		}
		if err := s.sinks.End(ctx, end); err != nil {
			s.logger.Warn("Failed to close session in sinks", "err", err)
		}
	}
	if err := closeBackend(s.backend); err != nil {
		s.logger.Debug("Failed to close backend", "err", err)
	}

	s.logger.Info("Session ended",
		"reason", reason,
		"audio", fmt.Sprintf("%.2fs", s.stats.AudioSeconds()),
		"partials", s.stats.PartialCount,
		"finals", s.stats.FinalCount,
		"failures", s.stats.FailedCount,
		"rtf", fmt.Sprintf("%.2f", s.stats.RealTimeFactor()),
	)
	return c, ok
}

// emit publishes res. finalizing marks the end of an utterance, so an
// empty result there still closes it in the transcript.
func (s *Session) emit(ctx context.Context, res transcriber.Result, finalizing bool) (sink.Caption, bool) {
	if res.IsEmpty() {
		if finalizing {
			res.Final = true
			s.transcript.Add(res)
		}
		return sink.Caption{}, false
	}

	s.seq++
	c := sink.NewCaption(s.info.ID, s.seq, res, s.now())
	s.transcript.Add(res)
	s.stats.AddResult(res.Text, res.Final)
	s.collectors.RecordResult(res.Final)

	kind := "Partial"
	if res.Final {
		kind = "Final"
	}
	s.logger.Info(kind, "start", fmt.Sprintf("%.3f", res.Start), "end", fmt.Sprintf("%.3f", res.End), "text", res.Text)

	if s.sinks != nil {
		if err := s.sinks.Publish(ctx, c); err != nil {
			s.logger.Warn("Failed to publish caption", "seq", c.Seq, "err", err)
		}
	}
	return c, true
}

func closeBackend(b transcriber.Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
