package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// Wire format constants. Input audio travels to the inference backend as
// 40ms frames of 8kHz mono s16le; synthesized output comes back at 16kHz
// and is delivered to the client in 50ms chunks.
const (
	InputSampleRate = 8000
	FrameDurationMs = 40
	BytesPerSample  = 2
	FrameSamples    = InputSampleRate * FrameDurationMs / 1000
	FrameBytes      = FrameSamples * BytesPerSample

	OutputSampleRate   = 16000
	OutputChunkMs      = 50
	OutputChunkSamples = OutputSampleRate * OutputChunkMs / 1000
	OutputChunkBytes   = OutputChunkSamples * BytesPerSample

	// CaptureSampleRate is the rate the client records at before
	// downsampling to InputSampleRate on the way out.
	CaptureSampleRate = 16000
)

// ErrInvalidRate is returned when a downsample target exceeds the source rate.
var ErrInvalidRate = errors.New("audio: target sample rate must not exceed source rate")

// Downsample decimates float samples from fromRate to toRate by box-car
// averaging. It is the identity when the rates match.
func Downsample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if toRate > fromRate {
		return nil, ErrInvalidRate
	}
	if toRate == fromRate {
		return samples, nil
	}
	ratio := float64(fromRate) / float64(toRate)
	out := make([]float32, int(math.Round(float64(len(samples))/ratio)))
	offset := 0
	for i := range out {
		next := int(math.Round(float64(i+1) * ratio))
		var sum float32
		count := 0
		for j := offset; j < next && j < len(samples); j++ {
			sum += samples[j]
			count++
		}
		if count > 0 {
			out[i] = sum / float32(count)
		}
		offset = next
	}
	return out, nil
}

// ToLinear16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1]; positive and negative halves scale by
// 32767 and 32768 respectively so neither direction overflows.
func ToLinear16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

// FromLinear16 converts little-endian s16le bytes back to float samples
// in [-1, 1). Odd trailing bytes are ignored.
func FromLinear16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// RMS computes the root-mean-square energy of a frame. Empty or nil input
// yields 0, which downstream treats as silence.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Pad returns buf zero-extended to target bytes. Buffers already at or
// beyond the target are returned unchanged.
func Pad(buf []byte, target int) []byte {
	if len(buf) >= target {
		return buf
	}
	padded := make([]byte, target)
	copy(padded, buf)
	return padded
}
