package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileSink writes one JSONL event log per session and, optionally, the
// final transcript as plain text.
type FileSink struct {
	outputDir       string
	saveEvents      bool
	saveTranscripts bool

	mu    sync.Mutex
	files map[uuid.UUID]*sessionFile
}

type sessionFile struct {
	file *os.File
	info SessionInfo
}

type eventRecord struct {
	Timestamp string            `json:"ts"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	Caption   *Caption          `json:"caption,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func NewFileSink(outputDir string, saveEvents, saveTranscripts bool) (*FileSink, error) {
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FileSink{
		outputDir:       outputDir,
		saveEvents:      saveEvents,
		saveTranscripts: saveTranscripts,
		files:           make(map[uuid.UUID]*sessionFile),
	}, nil
}

func (s *FileSink) Name() string { return "file" }

// basename is the timestamp + short session id prefix shared by all files
// of one session.
func basename(id uuid.UUID, started time.Time) string {
	return fmt.Sprintf("%s_%s", started.Format("20060102_150405"), id.String()[:8])
}

func (s *FileSink) Start(ctx context.Context, info SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf := &sessionFile{info: info}
	if s.saveEvents {
		name := filepath.Join(s.outputDir, basename(info.ID, info.StartedAt)+"_captions.jsonl")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		sf.file = f
	}
	s.files[info.ID] = sf

	return s.write(sf, eventRecord{
		Timestamp: info.StartedAt.Format(time.RFC3339Nano),
		Event:     "session_start",
		SessionID: info.ID.String(),
		Details:   map[string]string{"source": info.Source, "sample_rate": fmt.Sprint(info.SampleRate)},
	})
}

func (s *FileSink) Publish(ctx context.Context, c Caption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, ok := s.files[c.SessionID]
	if !ok {
		return fmt.Errorf("session %s not started", c.SessionID)
	}
	return s.write(sf, eventRecord{
		Timestamp: c.EmittedAt.Format(time.RFC3339Nano),
		Event:     "caption",
		SessionID: c.SessionID.String(),
		Caption:   &c,
	})
}

func (s *FileSink) End(ctx context.Context, end SessionEnd) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, ok := s.files[end.ID]
	if !ok {
		return fmt.Errorf("session %s not started", end.ID)
	}
	delete(s.files, end.ID)

	err := s.write(sf, eventRecord{
		Timestamp: end.EndedAt.Format(time.RFC3339Nano),
		Event:     "session_end",
		SessionID: end.ID.String(),
		Details:   map[string]string{"reason": end.Reason, "audio_seconds": fmt.Sprintf("%.3f", end.AudioSeconds)},
	})
	if sf.file != nil {
		if cerr := sf.file.Close(); err == nil {
			err = cerr
		}
	}

	if s.saveTranscripts && strings.TrimSpace(end.Transcript) != "" {
		name := filepath.Join(s.outputDir, basename(end.ID, sf.info.StartedAt)+"_transcript.txt")
		if werr := os.WriteFile(name, []byte(transcriptFile(sf.info, end)), 0644); werr != nil && err == nil {
			err = fmt.Errorf("failed to save transcript: %w", werr)
		}
	}
	return err
}

// Close closes event logs of sessions that never ended.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sf := range s.files {
		if sf.file != nil {
			sf.file.Close()
		}
		delete(s.files, id)
	}
	return nil
}

func (s *FileSink) write(sf *sessionFile, rec eventRecord) error {
	if sf.file == nil {
		return nil
	}
	return json.NewEncoder(sf.file).Encode(rec)
}

func transcriptFile(info SessionInfo, end SessionEnd) string {
	metadata := fmt.Sprintf("Session ID: %s\nSource: %s\nStart Time: %s\nDuration: %v\nAudio: %.2f seconds\nSample Rate: %dHz\n\n---TRANSCRIPT---\n\n",
		info.ID,
		info.Source,
		info.StartedAt.Format("2006-01-02 15:04:05"),
		end.EndedAt.Sub(info.StartedAt).Round(time.Millisecond),
		end.AudioSeconds,
		info.SampleRate,
	)
	return metadata + strings.TrimSpace(end.Transcript) + "\n"
}
