// Package config loads the captioner configuration from a YAML file and
// CAPTIONER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/transcriber"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAPTIONER_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Audio         AudioConfig         `yaml:"audio" envPrefix:"AUDIO_"`
	VAD           VADConfig           `yaml:"vad" envPrefix:"VAD_"`
	Backend       BackendConfig       `yaml:"backend" envPrefix:"BACKEND_"`
	Redis         RedisConfig         `yaml:"redis" envPrefix:"REDIS_"`
	Postgres      PostgresConfig      `yaml:"postgres" envPrefix:"POSTGRES_"`
	Transcription TranscriptionConfig `yaml:"transcription" envPrefix:"TRANSCRIPTION_"`
	Metrics       MetricsConfig       `yaml:"metrics" envPrefix:"METRICS_"`
	Logging       LoggingConfig       `yaml:"logging" envPrefix:"LOGGING_"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
	// SampleRate is the rate of the slin audio on the socket.
	SampleRate int `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// AudioConfig holds the segmentation settings. Durations are seconds.
type AudioConfig struct {
	SampleRate              int     `yaml:"sample_rate" env:"SAMPLE_RATE"`
	MinChunkSize            float64 `yaml:"min_chunk_size" env:"MIN_CHUNK_SIZE"`
	MinBufferedLength       float64 `yaml:"min_buffered_length" env:"MIN_BUFFERED_LENGTH"`
	SilenceNewlineThreshold float64 `yaml:"silence_newline_threshold" env:"SILENCE_NEWLINE_THRESHOLD"`
	MaxLen                  float64 `yaml:"max_len" env:"MAX_LEN"`
	MinLen                  float64 `yaml:"min_len" env:"MIN_LEN"`
}

type VADConfig struct {
	Threshold       float64 `yaml:"threshold" env:"THRESHOLD"`
	MinSilenceMs    int     `yaml:"min_silence_ms" env:"MIN_SILENCE_MS"`
	SpeechPadMs     int     `yaml:"speech_pad_ms" env:"SPEECH_PAD_MS"`
	WindowSize      int     `yaml:"window_size" env:"WINDOW_SIZE"`
	EnergyReference float64 `yaml:"energy_reference" env:"ENERGY_REFERENCE"`
}

type BackendConfig struct {
	URL                       string        `yaml:"url" env:"URL"`
	Language                  string        `yaml:"language" env:"LANGUAGE"`
	Task                      string        `yaml:"task" env:"TASK"`
	BeamSize                  int           `yaml:"beam_size" env:"BEAM_SIZE"`
	BestOf                    int           `yaml:"best_of" env:"BEST_OF"`
	Patience                  float64       `yaml:"patience" env:"PATIENCE"`
	Temperature               float64       `yaml:"temperature" env:"TEMPERATURE"`
	InitialPrompt             string        `yaml:"initial_prompt" env:"INITIAL_PROMPT"`
	ConditionOnPreviousText   bool          `yaml:"condition_on_previous_text" env:"CONDITION_ON_PREVIOUS_TEXT"`
	NoSpeechThreshold         float64       `yaml:"no_speech_threshold" env:"NO_SPEECH_THRESHOLD"`
	LogProbThreshold          float64       `yaml:"log_prob_threshold" env:"LOG_PROB_THRESHOLD"`
	CompressionRatioThreshold float64       `yaml:"compression_ratio_threshold" env:"COMPRESSION_RATIO_THRESHOLD"`
	RepetitionPenalty         float64       `yaml:"repetition_penalty" env:"REPETITION_PENALTY"`
	Timeout                   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Warmup                    bool          `yaml:"warmup" env:"WARMUP"`
}

// Options returns the decoding options sent with every request.
func (b BackendConfig) Options() transcriber.Options {
	return transcriber.Options{
		Language:                  b.Language,
		Task:                      b.Task,
		BeamSize:                  b.BeamSize,
		BestOf:                    b.BestOf,
		Patience:                  b.Patience,
		Temperature:               b.Temperature,
		InitialPrompt:             b.InitialPrompt,
		ConditionOnPreviousText:   b.ConditionOnPreviousText,
		NoSpeechThreshold:         b.NoSpeechThreshold,
		LogProbThreshold:          b.LogProbThreshold,
		CompressionRatioThreshold: b.CompressionRatioThreshold,
		RepetitionPenalty:         b.RepetitionPenalty,
	}
}

// RedisConfig enables the Redis sink when Addr is set.
type RedisConfig struct {
	Addr          string        `yaml:"addr" env:"ADDR"`
	Password      string        `yaml:"password" env:"PASSWORD"`
	DB            int           `yaml:"db" env:"DB"`
	StreamPrefix  string        `yaml:"stream_prefix" env:"STREAM_PREFIX"`
	ChannelPrefix string        `yaml:"channel_prefix" env:"CHANNEL_PREFIX"`
	MaxLen        int64         `yaml:"max_len" env:"MAX_LEN"`
	SessionTTL    time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// PostgresConfig enables the Postgres sink when DSN is set.
type PostgresConfig struct {
	DSN     string `yaml:"dsn" env:"DSN"`
	Migrate bool   `yaml:"migrate" env:"MIGRATE"`
}

func (p PostgresConfig) Enabled() bool { return p.DSN != "" }

type TranscriptionConfig struct {
	OutputDir       string `yaml:"output_dir" env:"OUTPUT_DIR"`
	SaveTranscripts bool   `yaml:"save_transcripts" env:"SAVE_TRANSCRIPTS"`
	SaveAudio       bool   `yaml:"save_audio" env:"SAVE_AUDIO"`
	SaveEvents      bool   `yaml:"save_events" env:"SAVE_EVENTS"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the configuration used for anything the file and
// environment leave unset.
func Default() *Config {
	opts := transcriber.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       9092,
			SampleRate: 8000,
		},
		Audio: AudioConfig{
			SampleRate:              16000,
			MinChunkSize:            1.0,
			MinBufferedLength:       1.0,
			SilenceNewlineThreshold: 3.0,
			MaxLen:                  transcriber.DefaultMaxLen,
			MinLen:                  transcriber.DefaultMinLen,
		},
		VAD: VADConfig{
			Threshold:       0.5,
			MinSilenceMs:    500,
			SpeechPadMs:     100,
			WindowSize:      512,
			EnergyReference: 0.05,
		},
		Backend: BackendConfig{
			URL:                       "ws://127.0.0.1:8765/transcribe",
			Language:                  opts.Language,
			Task:                      opts.Task,
			BeamSize:                  opts.BeamSize,
			BestOf:                    opts.BestOf,
			Patience:                  opts.Patience,
			Temperature:               opts.Temperature,
			ConditionOnPreviousText:   opts.ConditionOnPreviousText,
			NoSpeechThreshold:         opts.NoSpeechThreshold,
			LogProbThreshold:          opts.LogProbThreshold,
			CompressionRatioThreshold: opts.CompressionRatioThreshold,
			RepetitionPenalty:         opts.RepetitionPenalty,
			Timeout:                   30 * time.Second,
			Warmup:                    true,
		},
		Redis: RedisConfig{
			StreamPrefix:  "captions:",
			ChannelPrefix: "captions:live:",
			MaxLen:        1000,
			SessionTTL:    24 * time.Hour,
		},
		Postgres: PostgresConfig{
			Migrate: true,
		},
		Transcription: TranscriptionConfig{
			OutputDir:       "transcripts",
			SaveTranscripts: true,
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer file.Close()

		if err := yaml.NewDecoder(file).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment variables are invalid: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.SampleRate <= 0 {
		return invalid("server.sample_rate must be positive, got %d", c.Server.SampleRate)
	}
	if c.Audio.SampleRate <= 0 {
		return invalid("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.MinLen < 0 || c.Audio.MaxLen <= c.Audio.MinLen {
		return invalid("audio.max_len (%.2f) must exceed audio.min_len (%.2f) >= 0", c.Audio.MaxLen, c.Audio.MinLen)
	}
	if c.Audio.MinChunkSize < 0 || c.Audio.MinBufferedLength < 0 || c.Audio.SilenceNewlineThreshold < 0 {
		return invalid("audio durations cannot be negative")
	}
	if c.VAD.Threshold <= 0.15 || c.VAD.Threshold > 1 {
		return invalid("vad.threshold must be in (0.15, 1], got %f", c.VAD.Threshold)
	}
	if c.VAD.WindowSize <= 0 {
		return invalid("vad.window_size must be positive, got %d", c.VAD.WindowSize)
	}
	if c.Backend.URL == "" {
		return invalid("backend.url is required")
	}
	if c.Backend.Task != "transcribe" && c.Backend.Task != "translate" {
		return invalid("backend.task must be transcribe or translate, got %q", c.Backend.Task)
	}
	if c.Backend.Timeout <= 0 {
		return invalid("backend.timeout must be positive, got %v", c.Backend.Timeout)
	}
	if c.Redis.Enabled() && c.Redis.MaxLen < 0 {
		return invalid("redis.max_len cannot be negative, got %d", c.Redis.MaxLen)
	}
	if (c.Transcription.SaveTranscripts || c.Transcription.SaveAudio || c.Transcription.SaveEvents) && c.Transcription.OutputDir == "" {
		return invalid("transcription.output_dir is required when saving output")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return invalid("metrics.address is required when metrics are enabled")
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level: %v", err)
	}
	if _, ok := formatters[c.Logging.Format]; !ok {
		return invalid("logging.format must be text, json or logfmt, got %q", c.Logging.Format)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

var formatters = map[string]log.Formatter{
	"text":   log.TextFormatter,
	"json":   log.JSONFormatter,
	"logfmt": log.LogfmtFormatter,
}

// NewLogger builds the process logger. Call it only on a validated config.
func (l LoggingConfig) NewLogger(w io.Writer) *log.Logger {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatters[l.Format],
		ReportTimestamp: true,
	})
}
