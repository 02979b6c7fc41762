// Package bridge holds the per-connection server session: it frames inbound
// client PCM for the inference backend, demultiplexes the backend's outputs
// and fans them back out to the client — text immediately, audio paced.
package bridge

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/voicebridge/internal/audio"
	"github.com/chadiek/voicebridge/internal/inference"
)

// BackendStream is the bidirectional inference stream a session writes
// frames to and reads responses from. *inference.Stream satisfies it.
type BackendStream interface {
	Send(req *inference.Request) error
	Recv() (*inference.Response, error)
	CloseSend() error
}

// ClientConn is the session's view of the browser connection.
// Implementations must serialize concurrent writers internally.
type ClientConn interface {
	SendText(v interface{}) error
	SendAudio(chunk []byte) error
	Open() bool
}

// PromptSettings carries the optional conversation setup forwarded on the
// sequence-start frame only.
type PromptSettings struct {
	SystemPrompt    string
	InitialSentence string
}

// Config tunes a session. Zero values select the wire-format defaults.
type Config struct {
	Model           string
	FrameInterval   time.Duration
	ChunkInterval   time.Duration
	InputBufferCap  int
	OutputBufferCap int
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = inference.DefaultModel
	}
	if c.FrameInterval == 0 {
		c.FrameInterval = audio.FrameDurationMs * time.Millisecond
	}
	if c.ChunkInterval == 0 {
		c.ChunkInterval = audio.OutputChunkMs * time.Millisecond
	}
	return c
}

type transcriptionMessage struct {
	Transcription string `json:"transcription"`
}

type botResponseMessage struct {
	BotResponse string `json:"bot_response"`
}

// Session bridges one client connection to one backend stream. All frames
// of the conversation carry the session's sequence id; the id is generated
// at construction and never reused.
type Session struct {
	log *zap.SugaredLogger
	cfg Config

	id      string
	caller  string
	voice   string
	prompts PromptSettings
	seq     int64

	stream BackendStream
	client ClientConn

	input  *audio.Buffer
	output *audio.Buffer

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// New builds a session around an already-opened backend stream.
func New(id, caller, voice string, prompts PromptSettings, stream BackendStream, client ClientConn, cfg Config, log *zap.SugaredLogger) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		log:     log.With("session", id, "caller", caller),
		cfg:     cfg,
		id:      id,
		caller:  caller,
		voice:   voice,
		prompts: prompts,
		seq:     inference.NewSequenceID(),
		stream:  stream,
		client:  client,
		input:   audio.NewBuffer(cfg.InputBufferCap),
		output:  audio.NewBuffer(cfg.OutputBufferCap),
		done:    make(chan struct{}),
	}
}

// SequenceID exposes the backend correlation key (diagnostics, tests).
func (s *Session) SequenceID() int64 { return s.seq }

// Start opens the backend sequence with a silence start frame and launches
// the pacing and receive loops.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return errors.New("bridge: session already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.stream.Send(s.buildRequest(make([]byte, audio.FrameBytes), true, false)); err != nil {
		return err
	}

	go s.inputLoop()
	go s.outputLoop()
	go s.recvLoop()
	s.log.Infow("session started", "voice", s.voice, "sequence_id", s.seq)
	return nil
}

// WriteAudio accepts raw inbound PCM from the client socket. Bytes
// accumulate until a full frame is available; partial frames are never
// forwarded.
func (s *Session) WriteAudio(data []byte) {
	s.input.Write(data)
}

func (s *Session) buildRequest(pcm []byte, start, end bool) *inference.Request {
	req := &inference.Request{
		Model:      s.cfg.Model,
		SequenceID: s.seq,
		Start:      start,
		End:        end,
		VoiceName:  s.voice,
		Audio:      pcm,
	}
	if start {
		req.SystemPrompt = s.prompts.SystemPrompt
		req.InitialSentence = s.prompts.InitialSentence
	}
	return req
}

func (s *Session) inputLoop() {
	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.flushInput() {
				return
			}
		}
	}
}

// flushInput forwards exactly one full frame per tick when available.
// Returns false when the stream is broken and the session is going down.
func (s *Session) flushInput() bool {
	if s.input.Len() < audio.FrameBytes {
		return true
	}
	frame := s.input.Read(audio.FrameBytes)
	if frame == nil {
		return true
	}
	if err := s.stream.Send(s.buildRequest(frame, false, false)); err != nil {
		s.log.Warnw("backend send failed", "error", err)
		s.Stop()
		return false
	}
	return true
}

func (s *Session) outputLoop() {
	ticker := time.NewTicker(s.cfg.ChunkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flushOutput()
		}
	}
}

// flushOutput sends one chunk per tick: a full chunk when buffered, else
// whatever is available zero-padded to the chunk size. The client playback
// timeline depends on every non-empty tick emitting a full-size chunk.
func (s *Session) flushOutput() {
	n := s.output.Len()
	if n == 0 {
		return
	}
	var chunk []byte
	if n >= audio.OutputChunkBytes {
		chunk = s.output.Read(audio.OutputChunkBytes)
	} else {
		chunk = audio.Pad(s.output.Read(n), audio.OutputChunkBytes)
	}
	if chunk == nil || !s.client.Open() {
		return
	}
	if err := s.client.SendAudio(chunk); err != nil {
		s.log.Debugw("client audio send failed", "error", err)
	}
}

func (s *Session) recvLoop() {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, inference.ErrMalformed) {
				// one bad frame must not kill a live call
				s.log.Warnw("skipping malformed backend frame", "error", err)
				continue
			}
			select {
			case <-s.done:
			default:
				s.log.Infow("backend stream ended", "error", err)
			}
			s.Stop()
			return
		}
		s.handleResponse(resp)
	}
}

// handleResponse demultiplexes one backend frame: text outputs go to the
// client immediately as JSON, audio joins the paced output buffer.
func (s *Session) handleResponse(resp *inference.Response) {
	if text, ok := resp.Text(inference.OutputTranscription); ok && s.client.Open() {
		if err := s.client.SendText(transcriptionMessage{Transcription: text}); err != nil {
			s.log.Debugw("transcription send failed", "error", err)
		}
	}
	if text, ok := resp.Text(inference.OutputBotResponse); ok && s.client.Open() {
		if err := s.client.SendText(botResponseMessage{BotResponse: text}); err != nil {
			s.log.Debugw("bot response send failed", "error", err)
		}
	}
	if pcm, ok := resp.Raw(inference.OutputAudioChunk); ok {
		s.output.Write(pcm)
	}
}

// Stop tears the session down: cancel both pacing loops, close the backend
// sequence with an end frame, half-close the stream once, release buffers.
// Idempotent; safe to invoke from socket close and stream error alike.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	// end frame goes out synchronously before buffers are released;
	// best-effort since the stream may already be broken.
	if err := s.stream.Send(s.buildRequest(make([]byte, audio.FrameBytes), false, true)); err != nil {
		s.log.Debugw("sequence end frame failed", "error", err)
	}
	if err := s.stream.CloseSend(); err != nil {
		s.log.Debugw("stream close failed", "error", err)
	}

	s.input.Close()
	s.output.Close()
	s.log.Infow("session stopped")
}
