package main

import (
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/config"
)

func TestNewFactoryUsesConfig(t *testing.T) {
	logger = log.New(io.Discard)
	c := config.Default()
	c.Audio.SilenceNewlineThreshold = 4.5
	c.VAD.EnergyReference = 0.2

	f := newFactory(c, nil, nil)
	if f.Gate.SampleRate != 16000 || f.Gate.SilenceNewlineThreshold != 4.5 {
		t.Errorf("Unexpected gate config: %+v", f.Gate)
	}
	if f.VAD.Reference != 0.2 {
		t.Errorf("Expected energy reference 0.2, got %f", f.VAD.Reference)
	}
	if f.Processor.MaxLen != c.Audio.MaxLen || !f.Processor.ConditionOnPreviousText {
		t.Errorf("Unexpected processor config: %+v", f.Processor)
	}
	if f.Dial == nil {
		t.Error("Expected a backend dialer")
	}
}

func TestOpenSinksFileOnly(t *testing.T) {
	logger = log.New(io.Discard)
	c := config.Default()
	c.Transcription.OutputDir = t.TempDir()
	c.Transcription.SaveEvents = true

	sinks, err := openSinks(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("Failed to open sinks: %v", err)
	}
	defer sinks.Close()

	if sinks.Len() != 1 {
		t.Errorf("Expected only the file sink, got %d sinks", sinks.Len())
	}
}
