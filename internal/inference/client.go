// Package inference is the client for the streaming speech backend: a
// bidirectional gRPC stream carrying 40ms audio frames in and named output
// tensors (transcription, response text, synthesized audio) out. Frames of
// one conversation share a sequence id; the backend uses it to keep
// concurrent callers apart.
package inference

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const streamMethod = "/inference.GRPCInferenceService/ModelStreamInfer"

// DefaultModel is the streaming speech model served by the backend.
const DefaultModel = "streaming_stt"

var errBadCodecType = errors.New("inference: raw codec requires []byte messages")

// rawCodec passes pre-marshaled wire bytes straight through gRPC, so the
// hand-rolled protowire encoding in proto.go is the only marshaling layer.
type rawCodec struct{}

func (rawCodec) Name() string { return "voicebridge-raw" }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, errBadCodecType
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	p, ok := v.(*[]byte)
	if !ok {
		return errBadCodecType
	}
	*p = append((*p)[:0], data...)
	return nil
}

var _ encoding.Codec = rawCodec{}

// Request is one frame of the backend stream. Exactly one of Start/End is
// true at the stream boundaries; every steady-state frame has both false.
// SystemPrompt and InitialSentence are only emitted on the Start frame.
type Request struct {
	Model           string
	SequenceID      int64
	Start           bool
	End             bool
	VoiceName       string
	SystemPrompt    string
	InitialSentence string
	// Audio is raw little-endian s16le PCM; its sample count becomes the
	// input tensor shape.
	Audio []byte
}

func (r *Request) validate() error {
	if r.Model == "" {
		return errors.New("inference: request missing model name")
	}
	if r.SequenceID == 0 {
		return errors.New("inference: request missing sequence id")
	}
	if r.VoiceName == "" {
		return errors.New("inference: request missing voice name")
	}
	if r.Start && r.End {
		return errors.New("inference: sequence_start and sequence_end are mutually exclusive")
	}
	if len(r.Audio)%2 != 0 {
		return fmt.Errorf("inference: audio payload of %d bytes is not whole s16le samples", len(r.Audio))
	}
	return nil
}

// Response carries the named raw output tensors of one backend frame.
// Missing tensors are simply absent from the map.
type Response struct {
	Outputs map[string][]byte
}

// Raw returns the raw bytes of a named output tensor.
func (r *Response) Raw(name string) ([]byte, bool) {
	b, ok := r.Outputs[name]
	return b, ok
}

// Text decodes a string-typed output tensor, handling both the
// length-prefixed and raw backend wire shapes. Absent or empty tensors
// return ("", false).
func (r *Response) Text(name string) (string, bool) {
	b, ok := r.Outputs[name]
	if !ok {
		return "", false
	}
	return decodeTensorString(b)
}

// Client owns the shared connection to the inference host. One Client
// serves many sessions; each session opens its own Stream.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the inference backend at addr (host:port, plaintext).
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("inference: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the shared connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

var streamDesc = &grpc.StreamDesc{
	StreamName:    "ModelStreamInfer",
	ClientStreams: true,
	ServerStreams: true,
}

// OpenStream starts one bidirectional model stream. The stream lives until
// ctx is cancelled or CloseSend plus backend end-of-stream.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	cs, err := c.conn.NewStream(ctx, streamDesc, streamMethod, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return nil, fmt.Errorf("inference: open stream: %w", err)
	}
	return &Stream{cs: cs}, nil
}

// Stream is one session's bidirectional backend stream.
type Stream struct {
	cs        grpc.ClientStream
	closeOnce sync.Once
	closeErr  error
}

// Send forwards one frame. Fire-and-forget in the steady state; errors
// indicate the stream is broken and the session should tear down.
func (s *Stream) Send(req *Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	return s.cs.SendMsg(req.encode())
}

// Recv blocks for the next backend frame.
func (s *Stream) Recv() (*Response, error) {
	var raw []byte
	if err := s.cs.RecvMsg(&raw); err != nil {
		return nil, err
	}
	return decodeStreamResponse(raw)
}

// CloseSend half-closes the send side. Safe to call more than once.
func (s *Stream) CloseSend() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cs.CloseSend()
	})
	return s.closeErr
}

// NewSequenceID generates a sequence id unique per session: microsecond
// timestamp plus random offset, matching the backend's expectation of a
// non-zero int64 that is never reused across concurrent callers.
func NewSequenceID() int64 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return time.Now().UnixMicro() + int64(binary.BigEndian.Uint32(b[:]))
}
