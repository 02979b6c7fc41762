package bridge

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/voicebridge/internal/audio"
	"github.com/chadiek/voicebridge/internal/inference"
)

type fakeStream struct {
	mu        sync.Mutex
	sent      []*inference.Request
	sendErr   error
	responses chan recvResult
	closed    int
}

type recvResult struct {
	resp *inference.Response
	err  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{responses: make(chan recvResult, 16)}
}

func (f *fakeStream) Send(req *inference.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStream) Recv() (*inference.Response, error) {
	r, ok := <-f.responses
	if !ok {
		return nil, io.EOF
	}
	return r.resp, r.err
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeStream) sentRequests() []*inference.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*inference.Request, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeClient struct {
	mu    sync.Mutex
	texts []interface{}
	audio [][]byte
	open  bool
}

func (c *fakeClient) SendText(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, v)
	return nil
}

func (c *fakeClient) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, append([]byte(nil), chunk...))
	return nil
}

func (c *fakeClient) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) sentAudio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.audio))
	copy(out, c.audio)
	return out
}

func (c *fakeClient) sentTexts() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.texts))
	copy(out, c.texts)
	return out
}

func newTestSession(stream BackendStream, client ClientConn) *Session {
	// Long intervals so loops never tick on their own; tests call the
	// flush methods directly.
	cfg := Config{FrameInterval: time.Hour, ChunkInterval: time.Hour}
	return New("s1", "c1", "en_woman", PromptSettings{}, stream, client, cfg, zap.NewNop().Sugar())
}

func TestStartSendsSilenceStartFrame(t *testing.T) {
	stream := newFakeStream()
	client := &fakeClient{open: true}
	s := New("s1", "c1", "en_woman", PromptSettings{SystemPrompt: "be brief", InitialSentence: "hello"}, stream, client, Config{FrameInterval: time.Hour, ChunkInterval: time.Hour}, zap.NewNop().Sugar())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	sent := stream.sentRequests()
	if len(sent) != 1 {
		t.Fatalf("got %d requests after Start, want 1", len(sent))
	}
	first := sent[0]
	if !first.Start || first.End {
		t.Fatalf("start frame flags: start=%v end=%v", first.Start, first.End)
	}
	if len(first.Audio) != audio.FrameBytes {
		t.Fatalf("start frame audio = %d bytes, want %d", len(first.Audio), audio.FrameBytes)
	}
	if !bytes.Equal(first.Audio, make([]byte, audio.FrameBytes)) {
		t.Fatal("start frame audio is not silence")
	}
	if first.SystemPrompt != "be brief" || first.InitialSentence != "hello" {
		t.Fatal("prompts missing from start frame")
	}
	if first.SequenceID != s.SequenceID() {
		t.Fatal("start frame sequence id mismatch")
	}
}

func TestFlushInputOneFramePerTick(t *testing.T) {
	stream := newFakeStream()
	s := newTestSession(stream, &fakeClient{open: true})

	// 2.5 frames buffered: each flush forwards exactly one full frame,
	// the partial remainder stays buffered.
	s.WriteAudio(make([]byte, audio.FrameBytes*2+audio.FrameBytes/2))

	for i := 0; i < 2; i++ {
		if !s.flushInput() {
			t.Fatalf("flushInput %d reported stream failure", i)
		}
	}
	if got := len(stream.sentRequests()); got != 2 {
		t.Fatalf("forwarded %d frames, want 2", got)
	}
	if !s.flushInput() {
		t.Fatal("flushInput on partial frame reported failure")
	}
	if got := len(stream.sentRequests()); got != 2 {
		t.Fatalf("partial frame was forwarded: %d requests", got)
	}

	for i, req := range stream.sentRequests() {
		if req.Start || req.End {
			t.Fatalf("frame %d carries sequence flags", i)
		}
		if len(req.Audio) != audio.FrameBytes {
			t.Fatalf("frame %d is %d bytes, want %d", i, len(req.Audio), audio.FrameBytes)
		}
		if req.SequenceID != s.SequenceID() {
			t.Fatalf("frame %d sequence id mismatch", i)
		}
	}
}

func TestFlushOutputPadsShortRemainder(t *testing.T) {
	client := &fakeClient{open: true}
	s := newTestSession(newFakeStream(), client)

	// One full chunk plus 100 trailing bytes.
	payload := make([]byte, audio.OutputChunkBytes+100)
	for i := range payload {
		payload[i] = byte(i%251 + 1)
	}
	s.output.Write(payload)

	s.flushOutput()
	s.flushOutput()
	s.flushOutput() // empty buffer: no send

	chunks := client.sentAudio()
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if !bytes.Equal(chunks[0], payload[:audio.OutputChunkBytes]) {
		t.Fatal("full chunk corrupted")
	}
	if len(chunks[1]) != audio.OutputChunkBytes {
		t.Fatalf("padded chunk is %d bytes, want %d", len(chunks[1]), audio.OutputChunkBytes)
	}
	if !bytes.Equal(chunks[1][:100], payload[audio.OutputChunkBytes:]) {
		t.Fatal("padded chunk lost remainder bytes")
	}
	if !bytes.Equal(chunks[1][100:], make([]byte, audio.OutputChunkBytes-100)) {
		t.Fatal("padding is not zero")
	}
}

func TestFlushOutputSkipsClosedClient(t *testing.T) {
	client := &fakeClient{open: false}
	s := newTestSession(newFakeStream(), client)
	s.output.Write(make([]byte, audio.OutputChunkBytes))
	s.flushOutput()
	if len(client.sentAudio()) != 0 {
		t.Fatal("sent audio to closed client")
	}
}

func TestHandleResponseDemux(t *testing.T) {
	client := &fakeClient{open: true}
	s := newTestSession(newFakeStream(), client)

	pcm := []byte{1, 2, 3, 4}
	s.handleResponse(&inference.Response{Outputs: map[string][]byte{
		inference.OutputTranscription: []byte("hello there"),
		inference.OutputAudioChunk:    pcm,
	}})
	s.handleResponse(&inference.Response{Outputs: map[string][]byte{
		inference.OutputBotResponse: []byte("hi, how can I help"),
	}})

	texts := client.sentTexts()
	if len(texts) != 2 {
		t.Fatalf("got %d text messages, want 2", len(texts))
	}
	tr, ok := texts[0].(transcriptionMessage)
	if !ok || tr.Transcription != "hello there" {
		t.Fatalf("first message = %#v", texts[0])
	}
	br, ok := texts[1].(botResponseMessage)
	if !ok || br.BotResponse != "hi, how can I help" {
		t.Fatalf("second message = %#v", texts[1])
	}
	if s.output.Len() != len(pcm) {
		t.Fatalf("output buffer holds %d bytes, want %d", s.output.Len(), len(pcm))
	}
}

func TestRecvLoopSkipsMalformedFrames(t *testing.T) {
	stream := newFakeStream()
	client := &fakeClient{open: true}
	s := newTestSession(stream, client)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.responses <- recvResult{err: wrapMalformed()}
	stream.responses <- recvResult{err: wrapMalformed()}
	stream.responses <- recvResult{resp: &inference.Response{Outputs: map[string][]byte{
		inference.OutputTranscription: []byte("still alive"),
	}}}
	close(stream.responses)

	waitFor(t, func() bool { return len(client.sentTexts()) == 1 })
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopped
	})
}

func wrapMalformed() error {
	return errors.Join(inference.ErrMalformed, errors.New("tensor decode"))
}

func TestStopIdempotent(t *testing.T) {
	stream := newFakeStream()
	s := newTestSession(stream, &fakeClient{open: true})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.Stop()
	s.Stop()
	s.Stop()

	sent := stream.sentRequests()
	ends := 0
	for _, req := range sent {
		if req.End {
			ends++
			if req.Start {
				t.Fatal("end frame also flags start")
			}
			if len(req.Audio) != audio.FrameBytes {
				t.Fatalf("end frame audio = %d bytes", len(req.Audio))
			}
		}
	}
	if ends != 1 {
		t.Fatalf("sent %d end frames, want exactly 1", ends)
	}
	stream.mu.Lock()
	closed := stream.closed
	stream.mu.Unlock()
	if closed != 1 {
		t.Fatalf("CloseSend called %d times, want 1", closed)
	}

	// buffers are dead after Stop
	s.WriteAudio(make([]byte, audio.FrameBytes))
	if s.input.Len() != 0 {
		t.Fatal("input buffer accepted writes after Stop")
	}
}

func TestSendFailureStopsSession(t *testing.T) {
	stream := newFakeStream()
	s := newTestSession(stream, &fakeClient{open: true})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.mu.Lock()
	stream.sendErr = errors.New("transport down")
	stream.mu.Unlock()

	s.WriteAudio(make([]byte, audio.FrameBytes))
	if s.flushInput() {
		t.Fatal("flushInput did not report failure")
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		t.Fatal("session not stopped after send failure")
	}
}

func TestEndToEndSequence(t *testing.T) {
	stream := newFakeStream()
	client := &fakeClient{open: true}
	s := newTestSession(stream, client)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Three utterance frames in, one text + audio response out.
	for i := 0; i < 3; i++ {
		s.WriteAudio(make([]byte, audio.FrameBytes))
		s.flushInput()
	}
	stream.responses <- recvResult{resp: &inference.Response{Outputs: map[string][]byte{
		inference.OutputBotResponse: []byte("sure"),
		inference.OutputAudioChunk:  make([]byte, audio.OutputChunkBytes),
	}}}

	waitFor(t, func() bool { return len(client.sentTexts()) == 1 })
	waitFor(t, func() bool { return s.output.Len() == audio.OutputChunkBytes })
	s.flushOutput()
	if len(client.sentAudio()) != 1 {
		t.Fatalf("got %d audio chunks, want 1", len(client.sentAudio()))
	}

	s.Stop()

	sent := stream.sentRequests()
	// start + 3 frames + end
	if len(sent) != 5 {
		t.Fatalf("sent %d requests, want 5", len(sent))
	}
	if !sent[0].Start || !sent[4].End {
		t.Fatal("sequence not bracketed by start and end frames")
	}
	for i, req := range sent {
		if req.SequenceID != s.SequenceID() {
			t.Fatalf("request %d sequence id mismatch", i)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
