// Package vad detects speech boundaries in a PCM stream.
//
// A Model consumes arbitrary-size chunks and reports at most one Event per
// chunk. Frame indices in events are counted by the model itself from the
// last Reset, so callers that trim their own buffers must rebase them.
package vad

import "fmt"

// Kind tells which boundaries an Event carries.
type Kind int

const (
	// KindStart marks speech onset only.
	KindStart Kind = iota + 1
	// KindEnd marks speech offset only.
	KindEnd
	// KindBoth marks a short utterance that started and ended in one chunk.
	KindBoth
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindEnd:
		return "end"
	case KindBoth:
		return "both"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is the outcome of one Step call that found a boundary.
type Event struct {
	Kind  Kind
	Start int // valid for KindStart and KindBoth
	End   int // valid for KindEnd and KindBoth
}

// HasStart reports whether the event carries an onset frame.
func (e Event) HasStart() bool { return e.Kind == KindStart || e.Kind == KindBoth }

// HasEnd reports whether the event carries an offset frame.
func (e Event) HasEnd() bool { return e.Kind == KindEnd || e.Kind == KindBoth }

// StartAt returns an onset-only event.
func StartAt(frame int) Event { return Event{Kind: KindStart, Start: frame} }

// EndAt returns an offset-only event.
func EndAt(frame int) Event { return Event{Kind: KindEnd, End: frame} }

// Span returns an event for an utterance fully contained in one chunk.
func Span(start, end int) Event { return Event{Kind: KindBoth, Start: start, End: end} }

// Model is a stateful voice activity detector.
type Model interface {
	// Reset clears all internal state, including the running frame counter.
	Reset()
	// Step consumes samples and returns the boundary found in them, if any.
	Step(samples []float32) (Event, bool)
}
