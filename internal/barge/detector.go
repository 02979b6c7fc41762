// Package barge detects the caller interrupting agent playback. It watches
// microphone energy only while the agent is speaking and fires once a
// sustained burst clears a dynamic threshold.
package barge

import "time"

// Config holds the barge-in thresholds. Values are empirically tuned;
// hosts should treat them as parameters.
type Config struct {
	// StartThreshold is the VAD speech-start level the multiplier scales.
	StartThreshold float64
	// Multiplier raises the bar well above normal speech onset so agent
	// playback bleeding into the mic does not self-interrupt.
	Multiplier float64
	// RequiredFrames is the consecutive-frame debounce before firing.
	RequiredFrames int
	// MinRMS is the absolute floor of the dynamic threshold.
	MinRMS float64
	// MinAgentAudio is how long agent audio must have been playing before
	// barge-in is considered; filters playback startup clicks.
	MinAgentAudio time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		StartThreshold: 0.02,
		Multiplier:     4.5,
		RequiredFrames: 10,
		MinRMS:         0.25,
		MinAgentAudio:  1500 * time.Millisecond,
	}
}

// Detector accumulates above-threshold frames. Not safe for concurrent use;
// the session serializes frames through it.
type Detector struct {
	cfg     Config
	counter int
}

// New creates a Detector. Zero fields fall back to DefaultConfig values.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.StartThreshold == 0 {
		cfg.StartThreshold = def.StartThreshold
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RequiredFrames == 0 {
		cfg.RequiredFrames = def.RequiredFrames
	}
	if cfg.MinRMS == 0 {
		cfg.MinRMS = def.MinRMS
	}
	if cfg.MinAgentAudio == 0 {
		cfg.MinAgentAudio = def.MinAgentAudio
	}
	return &Detector{cfg: cfg}
}

// Threshold computes the dynamic trigger level for the current noise floor.
func (d *Detector) Threshold(noiseFloor float64) float64 {
	t := d.cfg.StartThreshold * d.cfg.Multiplier
	if nf := noiseFloor * 10; nf > t {
		t = nf
	}
	if d.cfg.MinRMS > t {
		t = d.cfg.MinRMS
	}
	return t
}

// Observe feeds one mic frame captured while the agent is speaking.
// agentAudioFor is how long agent audio has been playing continuously.
// It returns true exactly once when the debounce counter is reached.
//
// Below-threshold frames decay the counter by one instead of resetting it,
// so brief dips inside genuine interruption speech do not cancel detection.
func (d *Detector) Observe(rms, noiseFloor float64, agentAudioFor time.Duration) bool {
	if agentAudioFor < d.cfg.MinAgentAudio {
		d.decay()
		return false
	}
	if rms < d.Threshold(noiseFloor) {
		d.decay()
		return false
	}
	d.counter++
	if d.counter >= d.cfg.RequiredFrames {
		d.counter = 0
		return true
	}
	return false
}

func (d *Detector) decay() {
	if d.counter > 0 {
		d.counter--
	}
}

// MinAgentAudio reports the playback warm-up window after defaulting.
func (d *Detector) MinAgentAudio() time.Duration { return d.cfg.MinAgentAudio }

// Reset clears the debounce counter. Called on every turn transition.
func (d *Detector) Reset() { d.counter = 0 }
