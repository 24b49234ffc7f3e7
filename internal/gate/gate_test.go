package gate

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/transcriber"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/vad"
)

const chunkSize = 1600 // 100ms at 16 kHz

// scriptedVAD returns the event scripted for the n-th Step call.
type scriptedVAD struct {
	events map[int]vad.Event
	steps  int
	resets int
}

func (s *scriptedVAD) Reset() {
	s.steps = 0
	s.resets++
}

func (s *scriptedVAD) Step([]float32) (vad.Event, bool) {
	s.steps++
	ev, ok := s.events[s.steps]
	return ev, ok
}

// recordingProcessor records what the gate routes to it and answers with
// fixed text whenever it holds audio.
type recordingProcessor struct {
	text        string
	inits       []float64
	samples     []float32
	iterCalls   int
	finishCalls int
}

func (p *recordingProcessor) Init(offset float64) {
	p.inits = append(p.inits, offset)
	p.samples = nil
}

func (p *recordingProcessor) InsertAudioChunk(samples []float32) {
	p.samples = append(p.samples, samples...)
}

func (p *recordingProcessor) ProcessIter(context.Context) transcriber.Result {
	p.iterCalls++
	if len(p.samples) == 0 {
		return transcriber.Result{}
	}
	return transcriber.Result{Text: p.text}
}

func (p *recordingProcessor) Finish(context.Context) transcriber.Result {
	p.finishCalls++
	if len(p.samples) == 0 {
		return transcriber.Result{}
	}
	p.samples = nil
	return transcriber.Result{Text: p.text, Final: true}
}

// ramp returns n samples whose values are their absolute frame index.
func ramp(from, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(from + i)
	}
	return out
}

func newTestGate(t *testing.T, events map[int]vad.Event, cfg Config) (*Gate, *scriptedVAD, *recordingProcessor) {
	t.Helper()
	model := &scriptedVAD{events: events}
	online := &recordingProcessor{text: "hello"}
	def := DefaultConfig(16000)
	if cfg.MinChunkSize == 0 {
		cfg.MinChunkSize = def.MinChunkSize
	}
	if cfg.MinBufferedLength == 0 {
		cfg.MinBufferedLength = def.MinBufferedLength
	}
	cfg.SampleRate = 16000
	cfg.Logger = log.New(io.Discard)
	g, err := New(model, online, cfg)
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	return g, model, online
}

// run feeds n chunks of chunkSize frames, polling after each, and returns
// the non-empty results.
func run(g *Gate, start, n int) []transcriber.Result {
	var results []transcriber.Result
	for i := 0; i < n; i++ {
		g.InsertAudioChunk(ramp((start+i)*chunkSize, chunkSize))
		if res := g.ProcessIter(context.Background()); !res.IsEmpty() {
			results = append(results, res)
		}
	}
	return results
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		expectErr bool
	}{
		{"defaults", Config{}, false},
		{"negative chunk", Config{MinChunkSize: -1}, true},
		{"negative retained", Config{MinBufferedLength: -1}, true},
		{"negative silence", Config{SilenceNewlineThreshold: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&scriptedVAD{}, &recordingProcessor{}, tt.cfg)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}

	if _, err := New(nil, &recordingProcessor{}, Config{}); err == nil {
		t.Error("Expected error for missing model")
	}
}

func TestStartThenEndFinalizesOnce(t *testing.T) {
	end := 2*chunkSize + 800
	g, _, online := newTestGate(t, map[int]vad.Event{
		1: vad.StartAt(0),
		3: vad.EndAt(end),
	}, Config{MinChunkSize: 10})

	for i := 0; i < 3; i++ {
		g.InsertAudioChunk(ramp(i*chunkSize, chunkSize))
	}

	if !g.PendingFinalize() {
		t.Fatal("Expected a pending finalize after the end event")
	}
	if g.State() != NonVoice {
		t.Errorf("Expected nonvoice, got %s", g.State())
	}
	if len(online.samples) != end {
		t.Fatalf("Expected %d frames routed, got %d", end, len(online.samples))
	}
	for i, s := range online.samples {
		if s != float32(i) {
			t.Fatalf("Frame %d out of order: %f", i, s)
		}
	}

	res := g.ProcessIter(context.Background())
	if res.IsEmpty() || !res.Final {
		t.Errorf("Expected final result, got %+v", res)
	}
	if g.PendingFinalize() {
		t.Error("Expected the finalize flag to clear")
	}

	for i := 0; i < 3; i++ {
		if res := g.ProcessIter(context.Background()); !res.IsEmpty() {
			t.Errorf("Expected empty poll, got %+v", res)
		}
	}
	if online.finishCalls != 1 {
		t.Errorf("Expected exactly one finish, got %d", online.finishCalls)
	}
	if len(online.inits) != 2 || online.inits[1] != 0 {
		t.Errorf("Expected one restart at offset 0, got %v", online.inits)
	}
}

func TestShortUtteranceInOneChunk(t *testing.T) {
	g, _, online := newTestGate(t, map[int]vad.Event{
		1: vad.Span(100, 300),
	}, Config{})

	g.InsertAudioChunk(ramp(0, 400))

	if !g.PendingFinalize() {
		t.Error("Expected finalize to be pending immediately")
	}
	if g.State() != NonVoice {
		t.Errorf("Expected nonvoice, got %s", g.State())
	}
	if got := online.inits[len(online.inits)-1]; got != 100.0/16000 {
		t.Errorf("Expected fresh offset %f, got %f", 100.0/16000, got)
	}
	if len(online.samples) != 200 || online.samples[0] != 100 || online.samples[199] != 299 {
		t.Errorf("Expected frames [100,300), got %d frames", len(online.samples))
	}
	if g.bufferOffset != 300 || len(g.buffer) != 100 {
		t.Errorf("Expected tail after the span, offset=%d buffered=%d", g.bufferOffset, len(g.buffer))
	}
}

func TestSilenceNewline(t *testing.T) {
	tests := []struct {
		name        string
		restartAt   int
		wantNewline bool
	}{
		{"long pause", 40, true},
		{"short pause", 12, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _ := newTestGate(t, map[int]vad.Event{
				1:                vad.StartAt(0),
				2:                vad.EndAt(2 * chunkSize),
				tt.restartAt:     vad.StartAt((tt.restartAt - 1) * chunkSize),
				tt.restartAt + 2: vad.EndAt((tt.restartAt + 2) * chunkSize),
			}, Config{})

			results := run(g, 0, tt.restartAt+3)

			if len(results) != 2 {
				t.Fatalf("Expected two utterances, got %d: %+v", len(results), results)
			}
			if strings.HasPrefix(results[0].Text, "\n") {
				t.Error("First utterance should not start a paragraph")
			}
			if got := strings.HasPrefix(results[1].Text, "\n"); got != tt.wantNewline {
				t.Errorf("Expected newline=%v, got text %q", tt.wantNewline, results[1].Text)
			}
		})
	}
}

func TestSpanInsidePauseKeepsSilenceRunning(t *testing.T) {
	g, _, _ := newTestGate(t, map[int]vad.Event{
		1:  vad.StartAt(0),
		2:  vad.EndAt(2 * chunkSize),
		22: vad.Span(21*chunkSize+100, 21*chunkSize+900),
		42: vad.StartAt(41 * chunkSize),
		44: vad.EndAt(44 * chunkSize),
	}, Config{})

	// 2s of silence on each side of the blip, 4s in total
	results := run(g, 0, 45)

	if len(results) != 3 {
		t.Fatalf("Expected three utterances, got %d: %+v", len(results), results)
	}
	if strings.HasPrefix(results[1].Text, "\n") {
		t.Errorf("The blip itself should not start a paragraph, got %q", results[1].Text)
	}
	if !strings.HasPrefix(results[2].Text, "\n") {
		t.Errorf("Expected paragraph break after 4s of silence, got %q", results[2].Text)
	}
}

func TestZeroRetainedLength(t *testing.T) {
	online := &recordingProcessor{text: "hello"}
	g, err := New(&scriptedVAD{}, online, Config{
		SampleRate:   16000,
		MinChunkSize: 0,
		Logger:       log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	if g.retained != 0 || g.chunkThreshold != 0 {
		t.Fatalf("Expected zero durations to be kept, got retained=%d threshold=%d", g.retained, g.chunkThreshold)
	}

	g.InsertAudioChunk(ramp(0, chunkSize))
	if len(g.buffer) != 0 || g.bufferOffset != chunkSize {
		t.Errorf("Expected nothing retained during silence, buffered=%d offset=%d", len(g.buffer), g.bufferOffset)
	}
}

func TestNewlineWaitsForNonEmptyResult(t *testing.T) {
	g, _, online := newTestGate(t, map[int]vad.Event{
		1: vad.StartAt(0),
	}, Config{})
	g.newlinePending = true
	online.text = " "

	run(g, 0, 15)
	if !g.newlinePending {
		t.Fatal("Blank results must not consume the newline")
	}

	online.text = "again"
	results := run(g, 15, 15)
	if len(results) == 0 || results[0].Text != "\nagain" {
		t.Fatalf("Expected newline on the next text, got %+v", results)
	}
	if g.newlinePending {
		t.Error("Expected newline flag to clear")
	}
}

func TestIncrementalPollThreshold(t *testing.T) {
	g, _, online := newTestGate(t, map[int]vad.Event{
		1: vad.StartAt(0),
	}, Config{MinChunkSize: 0.5})

	var results []transcriber.Result
	for i := 0; i < 12; i++ {
		g.InsertAudioChunk(ramp(i*chunkSize, chunkSize))
		if res := g.ProcessIter(context.Background()); !res.IsEmpty() {
			results = append(results, res)
		}
	}

	// 0.5s is 5 chunks; a partial is requested once more than that arrived
	if online.iterCalls != 2 {
		t.Errorf("Expected 2 incremental calls, got %d", online.iterCalls)
	}
	if len(results) != 2 || results[0].Final {
		t.Errorf("Expected two partial results, got %+v", results)
	}
	if g.State() != Voice {
		t.Errorf("Expected voice, got %s", g.State())
	}
	if len(g.buffer) != 0 {
		t.Errorf("Expected raw buffer drained while speaking, got %d", len(g.buffer))
	}
}

func TestSilenceKeepsBoundedTail(t *testing.T) {
	g, _, online := newTestGate(t, nil, Config{MinBufferedLength: 0.5})

	run(g, 0, 50)

	if len(g.buffer) != 8000 {
		t.Errorf("Expected 0.5s retained, got %d frames", len(g.buffer))
	}
	if g.bufferOffset != 50*chunkSize-8000 {
		t.Errorf("Unexpected buffer offset %d", g.bufferOffset)
	}
	if len(online.samples) != 0 || online.iterCalls != 0 {
		t.Error("Silence must not reach the transcriber")
	}
	if g.silenceStart < 0 {
		t.Error("Expected the silence timer to run")
	}
	if g.buffer[0] != float32(50*chunkSize-8000) {
		t.Errorf("Expected the newest audio retained, got first frame %f", g.buffer[0])
	}
}

func TestLateOnsetReachesIntoRetainedAudio(t *testing.T) {
	g, _, online := newTestGate(t, map[int]vad.Event{
		5: vad.StartAt(3*chunkSize + 400),
	}, Config{})

	run(g, 0, 5)

	if online.inits[len(online.inits)-1] != float64(3*chunkSize+400)/16000 {
		t.Errorf("Unexpected onset offset %v", online.inits)
	}
	if online.samples[0] != float32(3*chunkSize+400) {
		t.Errorf("Expected audio from the onset frame, got %f", online.samples[0])
	}
	if len(online.samples) != 2*chunkSize-400 {
		t.Errorf("Expected %d frames, got %d", 2*chunkSize-400, len(online.samples))
	}
}

func TestEndAtBufferEdgeKeepsNothing(t *testing.T) {
	g, _, _ := newTestGate(t, map[int]vad.Event{
		1: vad.StartAt(0),
		2: vad.EndAt(5 * chunkSize), // past what the gate has seen
	}, Config{})

	run(g, 0, 2)

	if len(g.buffer) != 0 {
		t.Errorf("Expected empty tail, got %d frames", len(g.buffer))
	}
	if g.bufferOffset != 2*chunkSize {
		t.Errorf("Expected offset %d, got %d", 2*chunkSize, g.bufferOffset)
	}
}

func TestInitResetsEverything(t *testing.T) {
	g, model, online := newTestGate(t, map[int]vad.Event{
		1: vad.StartAt(0),
		2: vad.EndAt(chunkSize),
	}, Config{})
	g.InsertAudioChunk(ramp(0, chunkSize))
	g.InsertAudioChunk(ramp(chunkSize, chunkSize))
	g.newlinePending = true

	g.Init()

	if g.State() != Unknown || g.PendingFinalize() || g.newlinePending {
		t.Error("Expected flags cleared")
	}
	if len(g.buffer) != 0 || g.bufferOffset != 0 || g.received != 0 || g.fed != 0 || g.silenceStart != -1 {
		t.Error("Expected counters cleared")
	}
	if model.resets != 2 {
		t.Errorf("Expected detector reset, got %d resets", model.resets)
	}
	if online.inits[len(online.inits)-1] != 0 {
		t.Error("Expected transcriber restarted at 0")
	}
}

func TestFinishAppliesNewline(t *testing.T) {
	g, _, _ := newTestGate(t, map[int]vad.Event{1: vad.StartAt(0)}, Config{})
	g.InsertAudioChunk(ramp(0, chunkSize))
	g.newlinePending = true

	res := g.Finish(context.Background())

	if res.Text != "\nhello" || !res.Final {
		t.Errorf("Expected final newline-prefixed text, got %+v", res)
	}
}

func TestEmptyChunkIgnored(t *testing.T) {
	g, model, _ := newTestGate(t, nil, Config{})
	g.InsertAudioChunk(nil)
	if model.steps != 0 || g.received != 0 {
		t.Error("Expected empty chunk to be ignored")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Unknown, "unknown"},
		{Voice, "voice"},
		{NonVoice, "nonvoice"},
		{State(9), "State(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}
