package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/audio"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/sink"
)

var (
	replayRate    int
	replayChunkMs int
)

var replayCmd = &cobra.Command{
	Use:   "replay <file.raw>",
	Short: "Caption a recorded signed linear audio file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return replay(cmd.Context(), args[0])
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayRate, "rate", 16000, "Sample rate of the raw file")
	replayCmd.Flags().IntVar(&replayChunkMs, "chunk-ms", 40, "Chunk duration fed per step")
}

// replay feeds a recording through a session as fast as the backend
// allows. The silence timer runs on audio time, so paragraph breaks match
// a live call.
func replay(ctx context.Context, path string) error {
	if replayRate <= 0 || replayChunkMs <= 0 {
		return fmt.Errorf("rate and chunk-ms must be positive")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read audio: %w", err)
	}
	samples := audio.Resample(audio.DecodeSlin(data), replayRate, cfg.Audio.SampleRate)

	factory := newFactory(cfg, nil, nil)
	info := sink.SessionInfo{
		ID:         uuid.New(),
		Source:     filepath.Base(path),
		SampleRate: replayRate,
		StartedAt:  time.Now(),
	}
	sess, err := factory.Open(ctx, info)
	if err != nil {
		return err
	}

	chunk := max(audio.NewClock(cfg.Audio.SampleRate).Frames(float64(replayChunkMs)/1000), 1)
	for from := 0; from < len(samples); from += chunk {
		to := min(from+chunk, len(samples))
		if c, ok := sess.Push(ctx, samples[from:to]); ok {
			printCaption(c)
		}
	}
	if c, ok := sess.Close(ctx, "eof"); ok {
		printCaption(c)
	}

	fmt.Println()
	fmt.Println("---TRANSCRIPT---")
	fmt.Println(sess.Transcript())
	fmt.Println()
	fmt.Print(sess.Stats().Summary())
	return nil
}

func printCaption(c sink.Caption) {
	kind := "partial"
	if c.Final {
		kind = "final"
	}
	fmt.Printf("%8.3f %8.3f %-7s %s\n", c.Start, c.End, kind, strings.TrimSpace(c.Text))
}
