package transcriber

import (
	"context"
	"strings"
)

// Result is one incremental transcript. Start and End are absolute stream
// seconds; Words carry absolute timestamps too.
type Result struct {
	Start float64
	End   float64
	Text  string
	Words []Word
	// Final is set on results produced by Finish.
	Final bool
}

// IsEmpty reports whether the result carries no text.
func (r Result) IsEmpty() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Processor is the capability the voice activity gate drives.
type Processor interface {
	Init(offset float64)
	InsertAudioChunk(samples []float32)
	ProcessIter(ctx context.Context) Result
	Finish(ctx context.Context) Result
}
