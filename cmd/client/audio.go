package main

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/chadiek/voicebridge/internal/audio"
)

// mic captures mono float32 frames at the capture rate and hands them to
// the session callback.
type mic struct {
	ctx    malgo.Context
	device *malgo.Device
}

func newMic(ctx malgo.Context) *mic {
	return &mic{ctx: ctx}
}

func (m *mic) Start(onFrame func(samples []float32)) error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = audio.CaptureSampleRate
	deviceConfig.PeriodSizeInMilliseconds = audio.FrameDurationMs

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			onFrame(bytesToFloat32(pInputSamples))
		},
	}

	device, err := malgo.InitDevice(m.ctx, deviceConfig, callbacks)
	if err != nil {
		return err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return err
	}
	m.device = device
	return nil
}

func (m *mic) Stop() error {
	if m.device == nil {
		return nil
	}
	_ = m.device.Stop()
	m.device.Uninit()
	m.device = nil
	return nil
}

func bytesToFloat32(b []byte) []float32 {
	samples := make([]float32, len(b)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}

// speaker plays mono s16le at the output rate. The device callback pulls
// from an internal queue and zero-fills when it runs dry.
type speaker struct {
	ctx    malgo.Context
	device *malgo.Device

	mu  sync.Mutex
	buf []byte
}

func newSpeaker(ctx malgo.Context) (*speaker, error) {
	s := &speaker{ctx: ctx}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = audio.OutputSampleRate
	deviceConfig.PeriodSizeInMilliseconds = audio.OutputChunkMs

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutputSamples, _ []byte, _ uint32) {
			s.fill(pOutputSamples)
		},
	}

	device, err := malgo.InitDevice(ctx, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, err
	}
	s.device = device
	return s, nil
}

func (s *speaker) fill(out []byte) {
	s.mu.Lock()
	n := copy(out, s.buf)
	// shift the tail down so the backing array is reused instead of
	// growing for the life of the session
	rest := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
	s.mu.Unlock()
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

func (s *speaker) Write(pcm []byte) error {
	s.mu.Lock()
	s.buf = append(s.buf, pcm...)
	s.mu.Unlock()
	return nil
}

func (s *speaker) Reset() error {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
	return nil
}

func (s *speaker) Close() {
	if s.device == nil {
		return
	}
	_ = s.device.Stop()
	s.device.Uninit()
	s.device = nil
}
