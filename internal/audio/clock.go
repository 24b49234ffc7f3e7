package audio

// SampleRate is the processing rate expected by the transcription backend.
const SampleRate = 16000

// Epsilon is the minimum step between two emitted timestamps.
const Epsilon = 0.001

// Clock converts between frame counts and seconds for one sample rate.
// All frame/seconds arithmetic in the pipeline goes through it.
type Clock struct {
	rate int
}

// NewClock returns a Clock for the given rate. Non-positive rates fall back
// to SampleRate.
func NewClock(rate int) Clock {
	if rate <= 0 {
		rate = SampleRate
	}
	return Clock{rate: rate}
}

// Rate returns the sample rate in Hz
func (c Clock) Rate() int { return c.rate }

// Seconds returns the duration of n frames.
func (c Clock) Seconds(frames int) float64 {
	return float64(frames) / float64(c.rate)
}

// Frames returns the number of whole frames covering d seconds.
func (c Clock) Frames(seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return int(seconds * float64(c.rate))
}

// After returns the earliest timestamp allowed to follow prev, or t if that
// is already later.
func After(t, prev float64) float64 {
	if floor := prev + Epsilon; t < floor {
		return floor
	}
	return t
}
