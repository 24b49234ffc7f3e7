package main

import (
	"context"
	"fmt"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/config"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/gate"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/metrics"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/session"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/sink"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/transcriber"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/vad"
)

// backendConfig is the websocket backend configuration shared by every session.
func backendConfig(c *config.Config) transcriber.WebsocketConfig {
	return transcriber.WebsocketConfig{
		URL:        c.Backend.URL,
		SampleRate: c.Audio.SampleRate,
		Timeout:    c.Backend.Timeout,
		Options:    c.Backend.Options(),
		Logger:     logger,
	}
}

// newFactory wires configuration into a session factory. Each session
// gets its own backend connection since requests on one are serialized.
func newFactory(c *config.Config, sinks sink.Sink, collectors *metrics.Collectors) *session.Factory {
	wsCfg := backendConfig(c)
	return &session.Factory{
		Dial: func(ctx context.Context) (transcriber.Backend, error) {
			return transcriber.NewWebsocketBackend(ctx, wsCfg)
		},
		BackendName: "whisper-ws",
		VAD: vad.EnergyConfig{
			Threshold:    c.VAD.Threshold,
			WindowSize:   c.VAD.WindowSize,
			MinSilenceMs: c.VAD.MinSilenceMs,
			SpeechPadMs:  c.VAD.SpeechPadMs,
			Reference:    c.VAD.EnergyReference,
		},
		Gate: gate.Config{
			SampleRate:              c.Audio.SampleRate,
			MinChunkSize:            c.Audio.MinChunkSize,
			MinBufferedLength:       c.Audio.MinBufferedLength,
			SilenceNewlineThreshold: c.Audio.SilenceNewlineThreshold,
		},
		Processor: transcriber.Config{
			MaxLen:                  c.Audio.MaxLen,
			MinLen:                  c.Audio.MinLen,
			ConditionOnPreviousText: c.Backend.ConditionOnPreviousText,
		},
		Sinks:   sinks,
		Logger:  logger,
		Metrics: collectors,
	}
}

// checkBackend checks the backend is reachable and optionally loads its
// model with a silent request before the first call arrives. A failed
// warmup is only logged.
func checkBackend(ctx context.Context, c *config.Config) error {
	b, err := transcriber.NewWebsocketBackend(ctx, backendConfig(c))
	if err != nil {
		return fmt.Errorf("transcription backend unavailable: %w", err)
	}
	defer b.Close()

	if c.Backend.Warmup {
		// Warmup logs its own outcome
		_ = b.Warmup(ctx)
	}
	return nil
}
