package audio

import (
	"math"
	"testing"
)

// squareWave fills a frame with a 4 kHz square wave at the capture rate, a
// signal the high-pass passes essentially unchanged.
func squareWave(n int, level float32) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		if i/2%2 == 0 {
			samples[i] = level
		} else {
			samples[i] = -level
		}
	}
	return samples
}

func TestMicFilterRemovesDCOffset(t *testing.T) {
	f := NewMicFilter(CaptureSampleRate)
	samples := make([]float32, CaptureSampleRate/10)
	for i := range samples {
		samples[i] = 1.0
	}
	f.Process(samples)

	if r := RMS(samples); r > 0.2 {
		t.Fatalf("RMS after high-pass = %v, want DC mostly removed", r)
	}
	if tail := samples[len(samples)-1]; math.Abs(float64(tail)) > 0.01 {
		t.Fatalf("steady-state DC leaks through: tail sample %v", tail)
	}
}

func TestMicFilterPassesSpeechBand(t *testing.T) {
	f := NewMicFilter(CaptureSampleRate)
	samples := squareWave(640, 0.1)
	f.Process(samples)

	// skip the initial transient, check steady state
	for i := 32; i < len(samples); i++ {
		if math.Abs(math.Abs(float64(samples[i]))-0.1) > 0.02 {
			t.Fatalf("sample %d = %v, want magnitude near 0.1", i, samples[i])
		}
	}
}

func TestMicFilterLimitsPeaks(t *testing.T) {
	f := NewMicFilter(CaptureSampleRate)
	samples := squareWave(640, 0.95)
	f.Process(samples)

	var peak float64
	for _, s := range samples[32:] {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak > 0.6 {
		t.Fatalf("peak after limiting = %v, want compressed toward 0.5", peak)
	}
	if peak < 0.4 {
		t.Fatalf("peak after limiting = %v, limiter crushed the signal", peak)
	}
}

func TestMicFilterReset(t *testing.T) {
	f := NewMicFilter(CaptureSampleRate)
	loud := make([]float32, 64)
	for i := range loud {
		loud[i] = 1.0
	}
	f.Process(loud)
	f.Reset()

	quiet := make([]float32, 64)
	f.Process(quiet)
	for i, s := range quiet {
		if s != 0 {
			t.Fatalf("sample %d = %v after reset, want 0", i, s)
		}
	}
}
