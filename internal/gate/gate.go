// Package gate drives an incremental transcriber from voice activity
// boundaries. It restarts the transcriber at each speech onset, forces a
// final result at each offset, and turns long pauses into paragraph breaks.
package gate

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/audio"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/metrics"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/transcriber"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/vad"
)

const (
	DefaultMinChunkSize            = 1.0
	DefaultMinBufferedLength       = 1.0
	DefaultSilenceNewlineThreshold = 3.0
)

// State is the gate's view of the speaker.
type State int

const (
	Unknown State = iota
	Voice
	NonVoice
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Voice:
		return "voice"
	case NonVoice:
		return "nonvoice"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a Gate. Durations are in seconds.
type Config struct {
	SampleRate int
	// MinChunkSize is how much new audio the transcriber must receive
	// before ProcessIter asks it for a partial result. Zero polls the
	// transcriber whenever any audio was fed.
	MinChunkSize float64
	// MinBufferedLength is the raw audio kept after a boundary or during
	// silence, so a late onset can still reach back into it. Zero keeps
	// nothing.
	MinBufferedLength float64
	// SilenceNewlineThreshold is the pause that starts a new paragraph;
	// zero selects DefaultSilenceNewlineThreshold.
	SilenceNewlineThreshold float64

	Logger  *log.Logger
	Metrics *metrics.Collectors
}

// DefaultConfig returns the stock durations for sampleRate.
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:              sampleRate,
		MinChunkSize:            DefaultMinChunkSize,
		MinBufferedLength:       DefaultMinBufferedLength,
		SilenceNewlineThreshold: DefaultSilenceNewlineThreshold,
	}
}

// Gate is the voice activity gate for one stream. It is not safe for
// concurrent use; callers alternate InsertAudioChunk and ProcessIter.
//
// The silence timer runs on audio time: it counts frames received by the
// gate, so replaying a recording faster than real time places paragraph
// breaks exactly where a live call would.
type Gate struct {
	cfg    Config
	clock  audio.Clock
	logger *log.Logger
	vad    vad.Model
	online transcriber.Processor

	chunkThreshold   int
	retained         int
	silenceThreshold int

	state           State
	buffer          []float32
	bufferOffset    int // frames before buffer[0] since Init
	received        int
	fed             int // frames handed to online since the last incremental call
	pendingFinalize bool
	silenceStart    int // -1 when no silence timer is running
	newlinePending  bool
}

// New validates cfg and returns an initialized gate.
func New(model vad.Model, online transcriber.Processor, cfg Config) (*Gate, error) {
	if model == nil || online == nil {
		return nil, fmt.Errorf("vad model and processor are required")
	}
	if cfg.SilenceNewlineThreshold == 0 {
		cfg.SilenceNewlineThreshold = DefaultSilenceNewlineThreshold
	}
	if cfg.MinChunkSize < 0 || cfg.MinBufferedLength < 0 || cfg.SilenceNewlineThreshold < 0 {
		return nil, fmt.Errorf("gate durations cannot be negative")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	clock := audio.NewClock(cfg.SampleRate)
	g := &Gate{
		cfg:              cfg,
		clock:            clock,
		logger:           logger,
		vad:              model,
		online:           online,
		chunkThreshold:   clock.Frames(cfg.MinChunkSize),
		retained:         clock.Frames(cfg.MinBufferedLength),
		silenceThreshold: clock.Frames(cfg.SilenceNewlineThreshold),
	}
	g.Init()
	return g, nil
}

// Init restarts the gate, the detector and the transcriber.
func (g *Gate) Init() {
	g.online.Init(0)
	g.vad.Reset()

	g.state = Unknown
	g.buffer = g.buffer[:0]
	g.bufferOffset = 0
	g.received = 0
	g.fed = 0
	g.pendingFinalize = false
	g.silenceStart = -1
	g.newlinePending = false
}

// State returns the current voice activity state.
func (g *Gate) State() State { return g.state }

// PendingFinalize reports whether the next ProcessIter will finish the utterance.
func (g *Gate) PendingFinalize() bool { return g.pendingFinalize }

// InsertAudioChunk runs the detector over samples and routes audio to the
// transcriber according to the boundary it reports.
func (g *Gate) InsertAudioChunk(samples []float32) {
	if len(samples) == 0 {
		return
	}

	ev, ok := g.vad.Step(samples)
	g.buffer = append(g.buffer, samples...)
	g.received += len(samples)
	g.cfg.Metrics.AddAudio(g.clock.Seconds(len(samples)))

	if !ok {
		g.noEvent()
		return
	}

	g.cfg.Metrics.RecordVADEvent(ev.Kind.String())
	g.logger.Debug("Voice activity", "event", ev.Kind, "start", ev.Start, "end", ev.End, "state", g.state)

	switch ev.Kind {
	case vad.KindStart:
		g.onStart(ev.Start)
	case vad.KindEnd:
		g.onEnd(ev.End)
	case vad.KindBoth:
		g.onSpan(ev.Start, ev.End)
	}
}

func (g *Gate) onStart(frame int) {
	g.state = Voice
	g.checkSilence()

	from := g.rebase(frame)
	g.online.Init(g.clock.Seconds(from + g.bufferOffset))
	g.feed(g.buffer[from:])
	g.bufferOffset += len(g.buffer)
	g.buffer = g.buffer[:0]
}

func (g *Gate) onEnd(frame int) {
	g.state = NonVoice
	g.startSilence()

	to := g.rebase(frame)
	g.feed(g.buffer[:to])
	g.pendingFinalize = true
	g.keepTail(to)
}

func (g *Gate) onSpan(start, end int) {
	g.state = NonVoice
	// a blip inside a pause does not end it
	g.startSilence()

	from, to := g.rebase(start), g.rebase(end)
	if from < to {
		g.online.Init(g.clock.Seconds(from + g.bufferOffset))
		g.feed(g.buffer[from:to])
	}
	g.pendingFinalize = true
	g.keepTail(to)
}

func (g *Gate) noEvent() {
	if g.state == Voice {
		g.silenceStart = -1
		g.feed(g.buffer)
		g.bufferOffset += len(g.buffer)
		g.buffer = g.buffer[:0]
		return
	}

	g.startSilence()
	g.keepTail(0)
}

// rebase maps a detector frame onto the raw buffer.
func (g *Gate) rebase(frame int) int {
	return min(max(frame-g.bufferOffset, 0), len(g.buffer))
}

func (g *Gate) feed(samples []float32) {
	if len(samples) == 0 {
		return
	}
	g.online.InsertAudioChunk(samples)
	g.fed += len(samples)
}

// keepTail drops raw audio so that at most the retained length after
// frame from remains.
func (g *Gate) keepTail(from int) {
	keep := min(len(g.buffer)-from, g.retained)
	drop := len(g.buffer) - keep
	g.bufferOffset += drop
	g.buffer = append(g.buffer[:0], g.buffer[drop:]...)
}

func (g *Gate) startSilence() {
	if g.silenceStart < 0 {
		g.silenceStart = g.received
	}
}

// checkSilence marks a paragraph break when the pause now ending was long
// enough, and stops the timer.
func (g *Gate) checkSilence() {
	if g.silenceStart < 0 {
		return
	}
	silence := g.received - g.silenceStart
	g.silenceStart = -1
	if silence >= g.silenceThreshold {
		g.newlinePending = true
		g.logger.Info("Silence exceeded threshold, newline will be added",
			"silence", g.clock.Seconds(silence), "threshold", g.cfg.SilenceNewlineThreshold)
	}
}

// ProcessIter finishes a pending utterance, asks the transcriber for a
// partial once enough new audio arrived, or returns an empty result.
func (g *Gate) ProcessIter(ctx context.Context) transcriber.Result {
	if g.pendingFinalize {
		return g.Finish(ctx)
	}
	if g.fed > g.chunkThreshold {
		g.fed = 0
		return g.prefix(g.online.ProcessIter(ctx))
	}
	g.logger.Debug("No online update, only VAD", "state", g.state)
	return transcriber.Result{}
}

// Finish forces a final result for whatever the transcriber holds.
func (g *Gate) Finish(ctx context.Context) transcriber.Result {
	res := g.prefix(g.online.Finish(ctx))
	g.fed = 0
	g.pendingFinalize = false
	return res
}

func (g *Gate) prefix(res transcriber.Result) transcriber.Result {
	if !g.newlinePending || res.IsEmpty() {
		return res
	}
	res.Text = "\n" + res.Text
	g.newlinePending = false
	g.cfg.Metrics.RecordNewline()
	g.logger.Info("Newline added to transcript after long silence")
	return res
}
