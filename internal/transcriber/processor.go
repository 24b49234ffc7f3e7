package transcriber

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/audio"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/metrics"
)

const (
	DefaultMaxLen = 30.0
	DefaultMinLen = 1.0
)

// Config configures an OnlineProcessor.
type Config struct {
	SampleRate int
	// MaxLen bounds the buffer in seconds; older audio is dropped.
	MaxLen float64
	// MinLen is the buffered duration needed before ProcessIter calls the backend.
	MinLen                  float64
	ConditionOnPreviousText bool

	Logger  *log.Logger
	Metrics *metrics.Collectors
}

// OnlineProcessor buffers audio for one speech context and re-transcribes
// the whole buffer on every ProcessIter call. It is not safe for concurrent use.
type OnlineProcessor struct {
	backend Backend
	cfg     Config
	clock   audio.Clock
	logger  *log.Logger

	buffer       []float32
	offset       float64 // stream time of the buffer start at Init
	bufferOffset float64 // seconds trimmed from the front since Init
	previousText string
	lastEnd      float64
	final        bool
	failures     int
}

// NewOnlineProcessor validates cfg and returns an initialized processor.
func NewOnlineProcessor(backend Backend, cfg Config) (*OnlineProcessor, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.MinLen < 0 {
		return nil, fmt.Errorf("min length cannot be negative, got %f", cfg.MinLen)
	}
	if cfg.MaxLen <= cfg.MinLen {
		return nil, fmt.Errorf("max length %.2fs must exceed min length %.2fs", cfg.MaxLen, cfg.MinLen)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	p := &OnlineProcessor{
		backend: backend,
		cfg:     cfg,
		clock:   audio.NewClock(cfg.SampleRate),
		logger:  logger,
	}
	p.Init(0)
	return p, nil
}

// Init drops all buffered audio and context and anchors the next buffer at
// offset seconds on the stream timeline.
func (p *OnlineProcessor) Init(offset float64) {
	p.buffer = p.buffer[:0]
	p.offset = offset
	p.bufferOffset = 0
	p.previousText = ""
	p.lastEnd = -1
	p.final = false
}

// InsertAudioChunk appends samples, trimming the oldest audio past MaxLen.
func (p *OnlineProcessor) InsertAudioChunk(samples []float32) {
	if len(samples) == 0 {
		return
	}
	p.buffer = append(p.buffer, samples...)

	limit := p.clock.Frames(p.cfg.MaxLen)
	if excess := len(p.buffer) - limit; excess > 0 {
		p.buffer = append(p.buffer[:0], p.buffer[excess:]...)
		p.bufferOffset += p.clock.Seconds(excess)
	}
}

// ProcessIter transcribes the current buffer. It returns an empty Result
// when too little audio is buffered, when the backend fails, or when the
// backend returns no text; none of those change the processor state.
func (p *OnlineProcessor) ProcessIter(ctx context.Context) Result {
	duration := p.clock.Seconds(len(p.buffer))
	if duration < p.cfg.MinLen && !p.final {
		p.logger.Debug("Buffer too short", "duration", duration, "min", p.cfg.MinLen)
		return Result{}
	}
	if len(p.buffer) == 0 {
		return Result{}
	}

	prompt := ""
	if p.cfg.ConditionOnPreviousText {
		prompt = p.previousText
	}

	started := time.Now()
	segments, err := p.backend.Transcribe(ctx, p.buffer, prompt)
	p.cfg.Metrics.RecordBackendCall(time.Since(started), err)
	if err != nil {
		p.failures++
		p.logger.Error("Transcription failed", "err", err, "buffered", duration)
		return Result{}
	}

	base := p.bufferOffset + p.offset
	var (
		text  strings.Builder
		words []Word
		start = math.Inf(1)
		end   = math.Inf(-1)
	)
	for _, seg := range segments {
		text.WriteString(seg.Text)
		for _, w := range seg.Words {
			abs := Word{
				Text:        w.Text,
				Start:       w.Start + base,
				End:         w.End + base,
				Probability: w.Probability,
			}
			words = append(words, abs)
			start = min(start, abs.Start)
			end = max(end, abs.End)
		}
	}

	trimmed := strings.TrimSpace(text.String())
	if trimmed == "" {
		return Result{}
	}
	p.previousText = trimmed

	if len(words) == 0 {
		start = base
		end = base + duration
	}
	start = audio.After(start, p.lastEnd)
	end = audio.After(end, start)
	p.lastEnd = end

	return Result{
		Start: start,
		End:   end,
		Text:  trimmed,
		Words: words,
		Final: p.final,
	}
}

// Finish transcribes whatever is buffered regardless of MinLen, then clears
// the buffer and context so the processor can take the next utterance. The
// stream offset and timestamp watermark are kept.
func (p *OnlineProcessor) Finish(ctx context.Context) Result {
	p.logger.Debug("Finishing utterance", "buffered", p.clock.Seconds(len(p.buffer)))

	p.final = true
	res := p.ProcessIter(ctx)

	p.final = false
	p.buffer = p.buffer[:0]
	p.previousText = ""
	p.bufferOffset = 0
	return res
}

// Buffered returns the buffered duration in seconds.
func (p *OnlineProcessor) Buffered() float64 {
	return p.clock.Seconds(len(p.buffer))
}

// Failures returns how many backend calls failed since construction.
func (p *OnlineProcessor) Failures() int {
	return p.failures
}
