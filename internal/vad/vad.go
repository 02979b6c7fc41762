// Package vad classifies microphone frames as speech or silence from their
// RMS energy, using hysteresis thresholds and an adaptive noise floor.
package vad

import "time"

// Config holds the energy thresholds and timing rules for utterance
// detection. Continue sits below Start so a speaker who trails off quietly
// is not cut mid-word (hysteresis).
type Config struct {
	StartThreshold      float64
	ContinueThreshold   float64
	SilenceTimeout      time.Duration
	MaxUtterance        time.Duration
	MinActivationFrames int
}

// DefaultConfig returns the tuned values carried over from production use.
func DefaultConfig() Config {
	return Config{
		StartThreshold:      0.02,
		ContinueThreshold:   0.012,
		SilenceTimeout:      900 * time.Millisecond,
		MaxUtterance:        16 * time.Second,
		MinActivationFrames: 2,
	}
}

// Decision is the per-frame output of the detector. ShouldForward gates
// transmission; UtteranceEnded is a one-shot edge raised exactly once when
// an utterance closes.
type Decision struct {
	ShouldForward  bool
	UtteranceEnded bool
}

// Detector tracks one utterance at a time. It is not safe for concurrent
// use; callers serialize frames through it.
type Detector struct {
	cfg Config

	speaking         bool
	speechStart      time.Time
	lastVoice        time.Time
	activationFrames int
}

// New creates a Detector. Zero thresholds fall back to DefaultConfig values.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.StartThreshold == 0 {
		cfg.StartThreshold = def.StartThreshold
	}
	if cfg.ContinueThreshold == 0 {
		cfg.ContinueThreshold = def.ContinueThreshold
	}
	if cfg.SilenceTimeout == 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	if cfg.MaxUtterance == 0 {
		cfg.MaxUtterance = def.MaxUtterance
	}
	if cfg.MinActivationFrames == 0 {
		cfg.MinActivationFrames = def.MinActivationFrames
	}
	return &Detector{cfg: cfg}
}

// Process classifies one frame by its RMS energy. A frame of RMS 0 (empty
// or missing audio) is silence.
func (d *Detector) Process(rms float64, now time.Time) Decision {
	ended := false

	if !d.speaking && rms >= d.cfg.StartThreshold {
		d.speaking = true
		d.speechStart = now
		d.lastVoice = now
		d.activationFrames = 1
	} else if d.speaking {
		d.activationFrames++
		if rms >= d.cfg.ContinueThreshold {
			d.lastVoice = now
		}
		silence := now.Sub(d.lastVoice)
		duration := now.Sub(d.speechStart)
		// Whichever fires first ends the utterance; the hard cap stops
		// runaway utterances if silence detection never triggers.
		if silence >= d.cfg.SilenceTimeout || duration >= d.cfg.MaxUtterance {
			ended = true
		}
	}

	if ended {
		d.speaking = false
		d.speechStart = time.Time{}
		d.lastVoice = now
		d.activationFrames = 0
	}

	return Decision{
		ShouldForward:  d.speaking && d.activationFrames >= d.cfg.MinActivationFrames,
		UtteranceEnded: ended,
	}
}

// Speaking reports whether an utterance is currently open.
func (d *Detector) Speaking() bool { return d.speaking }

// Reset clears the tracker. Called on turn transitions so stale utterance
// state never leaks across turns.
func (d *Detector) Reset() {
	d.speaking = false
	d.speechStart = time.Time{}
	d.lastVoice = time.Time{}
	d.activationFrames = 0
}

// NoiseFloor is a slowly-adapting estimate of ambient energy. It rises
// faster than it falls so a transient bang does not permanently raise the
// floor, and samples are clamped so loud speech cannot poison it.
type NoiseFloor struct {
	value float64
}

const (
	noiseFloorClamp = 0.2
	noiseRiseAlpha  = 0.2
	noiseFallAlpha  = 0.05
)

// DefaultNoiseFloor is the starting ambient estimate for a typical room.
const DefaultNoiseFloor = 0.006

// NewNoiseFloor creates a floor starting at initial; initial <= 0 selects
// DefaultNoiseFloor.
func NewNoiseFloor(initial float64) *NoiseFloor {
	if initial <= 0 {
		initial = DefaultNoiseFloor
	}
	return &NoiseFloor{value: initial}
}

// Update folds one non-speech frame into the estimate. Callers must only
// feed frames classified as silence.
func (f *NoiseFloor) Update(rms float64) {
	clamped := rms
	if clamped > noiseFloorClamp {
		clamped = noiseFloorClamp
	}
	alpha := noiseFallAlpha
	if clamped > f.value {
		alpha = noiseRiseAlpha
	}
	f.value = f.value*(1-alpha) + clamped*alpha
}

// Value returns the current estimate.
func (f *NoiseFloor) Value() float64 { return f.value }
