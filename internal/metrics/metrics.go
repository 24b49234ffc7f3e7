package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// SessionMetrics accumulates per-call figures that are logged when the call ends.
type SessionMetrics struct {
	Backend    string
	Session    string
	SampleRate int
	StartTime  time.Time
	EndTime    time.Time

	Frames       int // audio frames pushed into the session
	TextChars    int
	PartialCount int
	FinalCount   int
	FailedCount  int
	firstResult  time.Time

	mu  sync.Mutex
	now func() time.Time
}

func NewSessionMetrics(backend, session string, sampleRate int) *SessionMetrics {
	m := &SessionMetrics{
		Backend:    backend,
		Session:    session,
		SampleRate: sampleRate,
		now:        time.Now,
	}
	m.StartTime = m.now()
	return m
}

func (m *SessionMetrics) AddAudioSamples(n int) {
	m.mu.Lock()
	m.Frames += n
	m.mu.Unlock()
}

// AddResult counts one emitted caption. The first one fixes the latency
// reported in the summary.
func (m *SessionMetrics) AddResult(text string, final bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.firstResult.IsZero() {
		m.firstResult = m.now()
	}
	m.TextChars += len(text)
	if final {
		m.FinalCount++
		return
	}
	m.PartialCount++
}

func (m *SessionMetrics) AddFailures(n int) {
	m.mu.Lock()
	m.FailedCount += n
	m.mu.Unlock()
}

// Finalize stamps the end of the session.
func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	m.EndTime = m.now()
	m.mu.Unlock()
}

// AudioSeconds is the duration of audio received so far.
func (m *SessionMetrics) AudioSeconds() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seconds()
}

// RealTimeFactor is wall time spent on the session divided by audio
// duration. It is zero until Finalize.
func (m *SessionMetrics) RealTimeFactor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtf()
}

func (m *SessionMetrics) seconds() float64 {
	if m.SampleRate <= 0 {
		return 0
	}
	return float64(m.Frames) / float64(m.SampleRate)
}

func (m *SessionMetrics) rtf() float64 {
	secs := m.seconds()
	if secs == 0 || m.EndTime.IsZero() {
		return 0
	}
	return m.EndTime.Sub(m.StartTime).Seconds() / secs
}

// Summary renders the figures as "Name: value" lines.
func (m *SessionMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latency time.Duration
	if !m.firstResult.IsZero() {
		latency = m.firstResult.Sub(m.StartTime)
	}

	var b strings.Builder
	line := func(name, format string, v any) {
		fmt.Fprintf(&b, "%s: "+format+"\n", name, v)
	}
	line("Backend", "%s", m.Backend)
	line("Session", "%s", m.Session)
	line("Duration", "%v", m.EndTime.Sub(m.StartTime))
	line("Audio Duration", "%.2f seconds", m.seconds())
	line("Transcript Length", "%d chars", m.TextChars)
	line("First Result Latency", "%v", latency)
	line("Partial Results", "%d", m.PartialCount)
	line("Final Results", "%d", m.FinalCount)
	line("Failed Backend Calls", "%d", m.FailedCount)
	line("Real-time Factor", "%.2fx", m.rtf())
	return b.String()
}
