package session

import (
	"strings"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/transcriber"
)

// Transcript accumulates the running text of a call. Partial results are
// re-transcriptions of the same audio, so only final results are kept; a
// paragraph break carried by a partial is remembered for the next final.
type Transcript struct {
	b            strings.Builder
	pendingBreak bool
	lastPartial  string
}

func (t *Transcript) Add(res transcriber.Result) {
	brk := strings.HasPrefix(res.Text, "\n")
	text := strings.TrimSpace(res.Text)

	if !res.Final {
		if brk {
			t.pendingBreak = true
		}
		if text != "" {
			t.lastPartial = text
		}
		return
	}

	// a failed final still leaves the last partial for this utterance
	if text == "" {
		text = t.lastPartial
	}
	t.lastPartial = ""
	if text == "" {
		return
	}

	brk = brk || t.pendingBreak
	t.pendingBreak = false
	t.separate(brk)
	t.b.WriteString(text)
}

// AddMarker appends an out-of-band note such as a DTMF digit.
func (t *Transcript) AddMarker(marker string) {
	t.separate(false)
	t.b.WriteString(marker)
}

func (t *Transcript) separate(paragraph bool) {
	if t.b.Len() == 0 {
		return
	}
	if paragraph {
		t.b.WriteString("\n")
	} else {
		t.b.WriteString(" ")
	}
}

func (t *Transcript) String() string {
	return t.b.String()
}
