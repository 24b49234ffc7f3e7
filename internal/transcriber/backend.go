// Package transcriber turns a bounded window of speech into timestamped text.
//
// A Backend runs the acoustic model on a whole buffer. The OnlineProcessor
// owns that buffer for one utterance, re-transcribes it on demand and maps
// the backend's buffer-relative timestamps onto the stream timeline.
package transcriber

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrBackendClosed is returned by backends used after Close.
var ErrBackendClosed = errors.New("transcriber: backend closed")

// Word is a single recognized word with timestamps in seconds.
type Word struct {
	Text        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// UnmarshalJSON decodes a word, treating a missing probability as 1.
func (w *Word) UnmarshalJSON(data []byte) error {
	type plain Word
	p := plain{Probability: 1}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*w = Word(p)
	return nil
}

// Segment is one decoded segment as returned by a Backend. Timestamps are
// relative to the start of the samples passed to Transcribe.
type Segment struct {
	ID           int     `json:"id"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	Words        []Word  `json:"words"`
	AvgLogProb   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// Backend transcribes float PCM at the processor's sample rate. prompt is
// optional conditioning text from the previous result.
type Backend interface {
	Transcribe(ctx context.Context, samples []float32, prompt string) ([]Segment, error)
}

// Options are decoding settings forwarded to the model with every request.
type Options struct {
	Language                  string  `json:"language,omitempty" yaml:"language"`
	Task                      string  `json:"task,omitempty" yaml:"task"`
	BeamSize                  int     `json:"beam_size,omitempty" yaml:"beam_size"`
	BestOf                    int     `json:"best_of,omitempty" yaml:"best_of"`
	Patience                  float64 `json:"patience,omitempty" yaml:"patience"`
	Temperature               float64 `json:"temperature" yaml:"temperature"`
	InitialPrompt             string  `json:"-" yaml:"initial_prompt"`
	ConditionOnPreviousText   bool    `json:"condition_on_previous_text" yaml:"condition_on_previous_text"`
	NoSpeechThreshold         float64 `json:"no_speech_threshold,omitempty" yaml:"no_speech_threshold"`
	LogProbThreshold          float64 `json:"log_prob_threshold,omitempty" yaml:"log_prob_threshold"`
	CompressionRatioThreshold float64 `json:"compression_ratio_threshold,omitempty" yaml:"compression_ratio_threshold"`
	RepetitionPenalty         float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty"`
}

// DefaultOptions mirrors faster-whisper's usual decoding defaults.
func DefaultOptions() Options {
	return Options{
		Language:                  "auto",
		Task:                      "transcribe",
		BeamSize:                  5,
		BestOf:                    5,
		Patience:                  1.0,
		Temperature:               0,
		ConditionOnPreviousText:   true,
		NoSpeechThreshold:         0.6,
		LogProbThreshold:          -1.0,
		CompressionRatioThreshold: 2.4,
		RepetitionPenalty:         1.0,
	}
}

// AutoDetect reports whether the model should detect the language itself.
func (o Options) AutoDetect() bool {
	return o.Language == "" || o.Language == "auto"
}
