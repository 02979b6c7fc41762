package audio

import "math"

const (
	// micHighPassHz strips DC offset and low-frequency rumble before
	// energy detection.
	micHighPassHz = 120

	// Peaks above micLimitThreshold are compressed at micLimitRatio so a
	// shout or a knock does not swamp RMS-based detection. Quieter signal
	// passes untouched; the detector thresholds are calibrated on
	// post-filter levels.
	micLimitThreshold = 0.5
	micLimitRatio     = 12.0
)

// MicFilter conditions raw capture frames: a one-pole high-pass followed by
// a soft peak limiter. Stateful across frames; not safe for concurrent use.
type MicFilter struct {
	alpha   float64
	prevIn  float64
	prevOut float64
}

// NewMicFilter builds a filter for the given capture rate.
func NewMicFilter(sampleRate int) *MicFilter {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	rc := 1 / (2 * math.Pi * micHighPassHz)
	dt := 1 / float64(sampleRate)
	return &MicFilter{alpha: rc / (rc + dt)}
}

// Process conditions one frame in place.
func (f *MicFilter) Process(samples []float32) {
	for i, s := range samples {
		in := float64(s)
		out := f.alpha * (f.prevOut + in - f.prevIn)
		f.prevIn = in
		f.prevOut = out
		samples[i] = float32(limit(out))
	}
}

// Reset clears the filter state, e.g. when capture restarts.
func (f *MicFilter) Reset() {
	f.prevIn = 0
	f.prevOut = 0
}

func limit(s float64) float64 {
	a := math.Abs(s)
	if a <= micLimitThreshold {
		return s
	}
	compressed := micLimitThreshold + (a-micLimitThreshold)/micLimitRatio
	if s < 0 {
		return -compressed
	}
	return compressed
}
