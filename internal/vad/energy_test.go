package vad

import "testing"

const testWindow = 512

func tone(windows int, level float32) []float32 {
	samples := make([]float32, windows*testWindow)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = level
		} else {
			samples[i] = -level
		}
	}
	return samples
}

func newTestDetector(t *testing.T) *EnergyDetector {
	t.Helper()
	d, err := NewEnergyDetector(EnergyConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	return d
}

func TestNewEnergyDetectorValidation(t *testing.T) {
	tests := []struct {
		name      string
		cfg       EnergyConfig
		expectErr bool
	}{
		{"defaults", EnergyConfig{}, false},
		{"threshold below exit margin", EnergyConfig{Threshold: 0.1}, true},
		{"threshold above one", EnergyConfig{Threshold: 1.5}, true},
		{"negative window", EnergyConfig{WindowSize: -1}, true},
		{"negative reference", EnergyConfig{Reference: -0.1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEnergyDetector(tt.cfg)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestEnergyDetectorStartThenEnd(t *testing.T) {
	d := newTestDetector(t)

	if _, ok := d.Step(tone(16, 0)); ok {
		t.Fatal("Expected no event on silence")
	}

	ev, ok := d.Step(tone(16, 0.1))
	if !ok || ev.Kind != KindStart {
		t.Fatalf("Expected start event, got %+v (ok=%v)", ev, ok)
	}
	// first loud window ends at 17*512; start is padded by 1600 samples
	if ev.Start != 17*testWindow-1600-testWindow {
		t.Errorf("Expected start %d, got %d", 17*testWindow-1600-testWindow, ev.Start)
	}

	ev, ok = d.Step(tone(32, 0))
	if !ok || ev.Kind != KindEnd {
		t.Fatalf("Expected end event, got %+v (ok=%v)", ev, ok)
	}
	if ev.End != 33*testWindow+1600-testWindow {
		t.Errorf("Expected end %d, got %d", 33*testWindow+1600-testWindow, ev.End)
	}
}

func TestEnergyDetectorShortUtteranceInOneChunk(t *testing.T) {
	d := newTestDetector(t)

	chunk := append(tone(8, 0.1), tone(24, 0)...)
	ev, ok := d.Step(chunk)
	if !ok {
		t.Fatal("Expected an event")
	}
	if ev.Kind != KindBoth {
		t.Fatalf("Expected both event, got %s", ev.Kind)
	}
	if ev.Start != 0 {
		t.Errorf("Expected start 0, got %d", ev.Start)
	}
	if ev.End != 9*testWindow+1600-testWindow {
		t.Errorf("Expected end %d, got %d", 9*testWindow+1600-testWindow, ev.End)
	}
}

func TestEnergyDetectorResumeCancelsEnd(t *testing.T) {
	d := newTestDetector(t)

	if ev, ok := d.Step(tone(8, 0.1)); !ok || ev.Kind != KindStart {
		t.Fatalf("Expected start event, got %+v", ev)
	}

	chunk := append(tone(20, 0), tone(4, 0.1)...)
	if ev, ok := d.Step(chunk); ok {
		t.Errorf("Expected end and restart to cancel out, got %+v", ev)
	}
}

func TestEnergyDetectorCarriesPartialWindows(t *testing.T) {
	d := newTestDetector(t)

	loud := tone(1, 0.1)
	if _, ok := d.Step(loud[:300]); ok {
		t.Fatal("Expected no event before a full window")
	}
	ev, ok := d.Step(loud[300:])
	if !ok || ev.Kind != KindStart {
		t.Fatalf("Expected start once the window completes, got %+v", ev)
	}
}

func TestEnergyDetectorReset(t *testing.T) {
	d := newTestDetector(t)
	d.Step(tone(4, 0.1))

	d.Reset()

	if d.currentSample != 0 || d.triggered {
		t.Error("Expected counters and trigger to be cleared")
	}
	ev, ok := d.Step(tone(1, 0.1))
	if !ok || ev.Start != 0 {
		t.Errorf("Expected fresh start at frame 0, got %+v", ev)
	}
}

func TestEventHelpers(t *testing.T) {
	if !Span(1, 2).HasStart() || !Span(1, 2).HasEnd() {
		t.Error("Span should carry both boundaries")
	}
	if StartAt(1).HasEnd() {
		t.Error("StartAt should not carry an end")
	}
	if EndAt(1).HasStart() {
		t.Error("EndAt should not carry a start")
	}
	if KindBoth.String() != "both" {
		t.Errorf("unexpected kind string %q", KindBoth.String())
	}
}
