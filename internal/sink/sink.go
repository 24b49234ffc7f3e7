// Package sink delivers captions to the places that consume them.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/metrics"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/transcriber"
)

// SessionInfo describes a call when it starts.
type SessionInfo struct {
	ID         uuid.UUID `json:"session_id"`
	Source     string    `json:"source"`
	SampleRate int       `json:"sample_rate"`
	StartedAt  time.Time `json:"started_at"`
}

// Caption is one non-empty result of a session.
type Caption struct {
	SessionID uuid.UUID          `json:"session_id"`
	Seq       int                `json:"seq"`
	Start     float64            `json:"start"`
	End       float64            `json:"end"`
	Text      string             `json:"text"`
	Final     bool               `json:"final"`
	Words     []transcriber.Word `json:"words,omitempty"`
	EmittedAt time.Time          `json:"emitted_at"`
}

// NewCaption stamps a transcriber result for session id.
func NewCaption(id uuid.UUID, seq int, res transcriber.Result, at time.Time) Caption {
	return Caption{
		SessionID: id,
		Seq:       seq,
		Start:     res.Start,
		End:       res.End,
		Text:      res.Text,
		Final:     res.Final,
		Words:     res.Words,
		EmittedAt: at,
	}
}

// SessionEnd describes a call when it ends.
type SessionEnd struct {
	ID           uuid.UUID `json:"session_id"`
	EndedAt      time.Time `json:"ended_at"`
	Reason       string    `json:"reason"`
	Transcript   string    `json:"-"`
	AudioSeconds float64   `json:"audio_seconds"`
}

// Sink is shared by all sessions; every call names its session.
type Sink interface {
	Name() string
	Start(ctx context.Context, info SessionInfo) error
	Publish(ctx context.Context, c Caption) error
	End(ctx context.Context, end SessionEnd) error
	Close() error
}

// Multi fans every call out to all sinks. A failing sink does not stop
// delivery to the others.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Collectors
}

func NewMulti(collectors *metrics.Collectors, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: collectors}
}

// Add appends a sink.
func (m *Multi) Add(s Sink) { m.sinks = append(m.sinks, s) }

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Start(ctx context.Context, info SessionInfo) error {
	return m.each(func(s Sink) error { return s.Start(ctx, info) })
}

func (m *Multi) Publish(ctx context.Context, c Caption) error {
	return m.each(func(s Sink) error { return s.Publish(ctx, c) })
}

func (m *Multi) End(ctx context.Context, end SessionEnd) error {
	return m.each(func(s Sink) error { return s.End(ctx, end) })
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) each(fn func(Sink) error) error {
	var errs []error
	for _, s := range m.sinks {
		if err := fn(s); err != nil {
			m.metrics.RecordSinkFailure(s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
