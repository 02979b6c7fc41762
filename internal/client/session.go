// Package client implements the caller side of a voice session: microphone
// capture feeds voice-activity detection, barge-in detection, and the
// turn-taking machine; synthesized agent audio coming back over the socket
// is scheduled for playback.
package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chadiek/voicebridge/internal/audio"
	"github.com/chadiek/voicebridge/internal/barge"
	"github.com/chadiek/voicebridge/internal/turn"
	"github.com/chadiek/voicebridge/internal/vad"
)

// CaptureDevice delivers mono float32 frames at the capture rate.
type CaptureDevice interface {
	Start(onFrame func(samples []float32)) error
	Stop() error
}

// ServerConn is the duplex connection to the bridge server.
// *websocket.Conn satisfies it.
type ServerConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Events surface conversation activity to the embedding UI. Callbacks may
// fire from capture, timer, and socket goroutines; they must not call back
// into the session.
type Events struct {
	OnTranscription func(text string)
	OnBotResponse   func(text string)
	OnStateChange   func(old, new turn.State)
	OnGateChange    func(maySpeak bool)
}

// Config tunes the session. Zero values select defaults throughout.
type Config struct {
	CaptureSampleRate int
	NoiseFloorInitial float64
	VAD               vad.Config
	Barge             barge.Config
	Turn              turn.Config
	// HasGreeting keeps the session in AgentSpeaking on open; without a
	// configured greeting the caller gets the floor immediately.
	HasGreeting bool
}

func (c Config) withDefaults() Config {
	if c.CaptureSampleRate == 0 {
		c.CaptureSampleRate = audio.CaptureSampleRate
	}
	if c.NoiseFloorInitial == 0 {
		c.NoiseFloorInitial = vad.DefaultNoiseFloor
	}
	return c
}

// Session wires capture, detection, turn-taking, playback, and the socket
// together. One Session per call.
type Session struct {
	log *zap.SugaredLogger
	cfg Config

	conn    ServerConn
	capture CaptureDevice
	player  *Player
	machine *turn.Machine
	vad     *vad.Detector
	floor   *vad.NoiseFloor
	barge   *barge.Detector
	filter  *audio.MicFilter
	ev      Events

	mu          sync.Mutex
	closed      bool
	captureOn   bool
	ignoreAudio bool
	lastSeen    string
	silence     map[int][]byte
}

// NewSession assembles a session around an open connection and devices.
// Run starts it.
func NewSession(conn ServerConn, capture CaptureDevice, playback PlaybackDevice, cfg Config, ev Events, log *zap.SugaredLogger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		log:     log,
		cfg:     cfg,
		conn:    conn,
		capture: capture,
		vad:     vad.New(cfg.VAD),
		floor:   vad.NewNoiseFloor(cfg.NoiseFloorInitial),
		barge:   barge.New(cfg.Barge),
		filter:  audio.NewMicFilter(cfg.CaptureSampleRate),
		ev:      ev,
		silence: make(map[int][]byte),
	}
	s.player = NewPlayer(playback, PlayerEvents{
		OnStart:    s.onPlaybackStart,
		OnComplete: s.onPlaybackComplete,
	})
	s.machine = turn.NewMachine(cfg.Turn, turn.Events{
		OnTransition: func(old, next turn.State) {
			if ev.OnStateChange != nil {
				ev.OnStateChange(old, next)
			}
		},
		OnGate: func(allowed bool) {
			if ev.OnGateChange != nil {
				ev.OnGateChange(allowed)
			}
		},
	})
	if !cfg.HasGreeting {
		// no greeting coming: give the caller the floor right away
		s.machine.Handle(turn.PlaybackDone)
	}
	return s
}

// State reports the current turn state.
func (s *Session) State() turn.State { return s.machine.State() }

// MaySpeak reports the transmission gate, for UI display.
func (s *Session) MaySpeak() bool { return s.machine.MaySpeak() }

// Run attaches the microphone and services the connection until it closes
// or fails. A microphone attach failure tears down everything already
// acquired and returns the error.
func (s *Session) Run() error {
	if err := s.capture.Start(s.onFrame); err != nil {
		s.Close()
		return err
	}
	s.mu.Lock()
	s.captureOn = true
	s.mu.Unlock()

	err := s.readLoop()
	s.Close()
	return err
}

func (s *Session) readLoop() error {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		switch mt {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			s.handleAudio(data)
		}
	}
}

// onFrame runs on the capture callback for every mic frame. The frame is
// conditioned first, then RMS is computed once and routed: barge-in while
// the agent is speaking, VAD plus the transmission gate otherwise. Every
// frame produces exactly one outbound frame (speech or silence) so the
// backend's wall-clock cadence never breaks.
func (s *Session) onFrame(samples []float32) {
	s.filter.Process(samples)
	rms := audio.RMS(samples)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.machine.State() == turn.AgentSpeaking {
		s.bargeFrameLocked(rms)
		s.sendSilenceLocked(len(samples))
		return
	}

	dec := s.vad.Process(rms, now)
	if !s.vad.Speaking() {
		s.floor.Update(rms)
	}
	if dec.ShouldForward && s.machine.State() == turn.UserReady {
		s.machine.Handle(turn.SpeechStart)
	}
	if dec.UtteranceEnded {
		// the floor flips on the utterance edge whether or not the last
		// frame was forwarded
		s.machine.Handle(turn.UtteranceEnd)
	}

	if s.machine.MaySpeak() && dec.ShouldForward {
		s.sendFrameLocked(samples)
		return
	}
	s.sendSilenceLocked(len(samples))
}

// bargeFrameLocked handles one mic frame while agent audio is playing. The
// noise floor adapts from frames outside the detection window so the
// threshold tracks playback bleed.
func (s *Session) bargeFrameLocked(rms float64) {
	playingFor := s.player.PlayingFor()
	if playingFor < s.barge.MinAgentAudio() {
		s.floor.Update(rms)
		return
	}
	if !s.barge.Observe(rms, s.floor.Value(), playingFor) {
		return
	}

	s.log.Infow("barge-in detected", "rms", rms, "noise_floor", s.floor.Value())
	s.player.Stop()
	s.ignoreAudio = true
	s.vad.Reset()
	s.barge.Reset()
	s.machine.Handle(turn.BargeIn)
}

func (s *Session) sendFrameLocked(samples []float32) {
	down, err := audio.Downsample(samples, s.cfg.CaptureSampleRate, audio.InputSampleRate)
	if err != nil {
		s.log.Warnw("downsample failed", "error", err)
		return
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio.ToLinear16(down)); err != nil {
		s.log.Warnw("frame send failed", "error", err)
	}
}

// sendSilenceLocked keeps the backend's frame cadence when the gate blocks
// speech or the detector has not opened. Frames are never simply dropped.
func (s *Session) sendSilenceLocked(captureSamples int) {
	n := captureSamples * audio.InputSampleRate / s.cfg.CaptureSampleRate * audio.BytesPerSample
	frame, ok := s.silence[n]
	if !ok {
		frame = make([]byte, n)
		s.silence[n] = frame
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.log.Warnw("silence send failed", "error", err)
	}
}

type serverMessage struct {
	Transcription string `json:"transcription"`
	BotResponse   string `json:"bot_response"`
}

func (s *Session) handleText(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debugw("unparseable text message", "error", err)
		return
	}

	if msg.Transcription != "" {
		s.mu.Lock()
		dup := msg.Transcription == s.lastSeen
		if !dup {
			s.lastSeen = msg.Transcription
		}
		s.mu.Unlock()
		if !dup && s.ev.OnTranscription != nil {
			s.ev.OnTranscription(msg.Transcription)
		}
	}

	if msg.BotResponse != "" {
		s.mu.Lock()
		s.ignoreAudio = false
		s.mu.Unlock()
		s.machine.Handle(turn.ResponsePending)
		if s.ev.OnBotResponse != nil {
			s.ev.OnBotResponse(msg.BotResponse)
		}
	}
}

// handleAudio holds the session lock across the ignore check and the
// enqueue: a barge-in on the capture goroutine must not interleave between
// them, or the stale chunk would restart the player and flip the turn back
// to the agent. Player callbacks run without the player lock and never take
// the session lock, so enqueueing under it cannot deadlock.
func (s *Session) handleAudio(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignoreAudio || s.closed {
		// stale agent audio still draining after a barge-in
		return
	}
	if err := s.player.Enqueue(data); err != nil {
		s.log.Warnw("playback enqueue failed", "error", err)
	}
}

func (s *Session) onPlaybackStart() {
	s.machine.Handle(turn.PlaybackStart)
}

func (s *Session) onPlaybackComplete() {
	s.machine.Handle(turn.PlaybackDone)
	s.mu.Lock()
	s.barge.Reset()
	s.mu.Unlock()
}

// Close tears the session down: microphone, playback, timers, socket.
// Idempotent; safe from the read loop, signal handlers, and Run's error
// paths alike.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	captureOn := s.captureOn
	s.mu.Unlock()

	if captureOn {
		if err := s.capture.Stop(); err != nil {
			s.log.Debugw("capture stop failed", "error", err)
		}
	}
	s.player.Stop()
	s.machine.Close()
	if err := s.conn.Close(); err != nil {
		s.log.Debugw("socket close failed", "error", err)
	}
}
