package transcriber

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultBackendTimeout = 30 * time.Second

// WebsocketConfig configures a WebsocketBackend.
type WebsocketConfig struct {
	URL        string
	SampleRate int
	Timeout    time.Duration
	Options    Options
	Logger     *log.Logger
}

// WebsocketBackend talks to a whisper inference sidecar over a websocket.
// Each request is a JSON header followed by one binary frame of float32 LE
// samples; the sidecar answers with a single JSON message. Calls are
// serialized and a broken connection is redialed on the next call.
type WebsocketBackend struct {
	cfg    WebsocketConfig
	dialer *websocket.Dialer
	logger *log.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	language string
}

type backendRequest struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	SampleRate     int    `json:"sample_rate"`
	Samples        int    `json:"samples"`
	InitialPrompt  string `json:"initial_prompt,omitempty"`
	WordTimestamps bool   `json:"word_timestamps"`
	Options
}

type backendResponse struct {
	Type                string    `json:"type"`
	ID                  string    `json:"id"`
	Language            string    `json:"language,omitempty"`
	LanguageProbability float64   `json:"language_probability,omitempty"`
	Segments            []Segment `json:"segments"`
	Error               string    `json:"error,omitempty"`
}

// NewWebsocketBackend dials the sidecar. A failed dial is returned so the
// caller can refuse to start.
func NewWebsocketBackend(ctx context.Context, cfg WebsocketConfig) (*WebsocketBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBackendTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	b := &WebsocketBackend{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		logger: logger,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.dial(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *WebsocketBackend) dial(ctx context.Context) error {
	conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to transcription backend: %w", err)
	}
	b.conn = conn
	b.logger.Debug("Connected to transcription backend", "url", b.cfg.URL)
	return nil
}

// drop closes a connection left in an unknown state.
func (b *WebsocketBackend) drop() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// Transcribe implements Backend.
func (b *WebsocketBackend) Transcribe(ctx context.Context, samples []float32, prompt string) ([]Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBackendClosed
	}
	if b.conn == nil {
		if err := b.dial(ctx); err != nil {
			return nil, err
		}
	}

	if prompt == "" {
		prompt = b.cfg.Options.InitialPrompt
	}
	opts := b.cfg.Options
	if opts.AutoDetect() {
		opts.Language = ""
	}
	req := backendRequest{
		Type:           "transcribe",
		ID:             uuid.NewString(),
		SampleRate:     b.cfg.SampleRate,
		Samples:        len(samples),
		InitialPrompt:  prompt,
		WordTimestamps: true,
		Options:        opts,
	}

	deadline := time.Now().Add(b.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn := b.conn
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteJSON(req); err != nil {
		b.drop()
		return nil, fmt.Errorf("failed to send request header: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFloat32(samples)); err != nil {
		b.drop()
		return nil, fmt.Errorf("failed to send audio: %w", err)
	}

	var resp backendResponse
	if err := conn.ReadJSON(&resp); err != nil {
		b.drop()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transcription aborted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.ID != req.ID {
		b.drop()
		return nil, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if resp.Type == "error" || resp.Error != "" {
		return nil, fmt.Errorf("backend error: %s", resp.Error)
	}

	if b.cfg.Options.AutoDetect() && resp.Language != "" && resp.Language != b.language {
		b.language = resp.Language
		b.logger.Info("Detected language", "language", resp.Language, "probability", resp.LanguageProbability)
	}

	return resp.Segments, nil
}

// Warmup runs one second of silence through the model so the first real
// request does not pay for lazy initialization.
func (b *WebsocketBackend) Warmup(ctx context.Context) error {
	if _, err := b.Transcribe(ctx, make([]float32, b.cfg.SampleRate), ""); err != nil {
		b.logger.Warn("Backend warmup failed", "err", err)
		return err
	}
	b.logger.Info("Backend warmup completed")
	return nil
}

// DetectedLanguage returns the last language reported by the model when
// the configured language is auto.
func (b *WebsocketBackend) DetectedLanguage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.language
}

func (b *WebsocketBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		b.logger.Debug("Failed to send close frame", "err", err)
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func encodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
