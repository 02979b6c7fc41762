package inference

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed marks frames that failed wire decoding. Callers skip the
// frame and keep the stream alive; only transport errors are fatal.
var ErrMalformed = errors.New("inference: malformed response frame")

// Wire-level marshaling for the inference server's GRPCInferenceService
// stream messages. Only the fields this bridge uses are produced and
// consumed, so the codec is written directly against the field numbers of
// grpc_service.proto rather than carrying generated stubs.
//
// ModelInferRequest:
//   1 model_name, 4 parameters map<string,InferParameter>,
//   5 inputs (InferInputTensor), 6 outputs (InferRequestedOutputTensor),
//   7 raw_input_contents
// InferParameter oneof: 1 bool_param, 2 int64_param, 3 string_param
// InferInputTensor: 1 name, 2 datatype, 3 shape (packed int64)
// ModelStreamInferResponse: 1 error_message, 2 infer_response
// ModelInferResponse: 5 outputs (InferOutputTensor: 1 name),
//   6 raw_output_contents

const (
	fieldReqModelName  = 1
	fieldReqParameters = 4
	fieldReqInputs     = 5
	fieldReqOutputs    = 6
	fieldReqRawInputs  = 7

	fieldParamBool   = 1
	fieldParamInt64  = 2
	fieldParamString = 3

	fieldTensorName     = 1
	fieldTensorDatatype = 2
	fieldTensorShape    = 3

	fieldStreamError = 1
	fieldStreamInfer = 2

	fieldRespOutputs    = 5
	fieldRespRawOutputs = 6
)

// Tensor names of the streaming speech model.
const (
	InputAudioChunk       = "audio_chunk"
	OutputTranscription   = "transcription"
	OutputBotResponse     = "bot_response"
	OutputAudioChunk      = "output_audio_chunk"
	audioChunkDatatype    = "INT16"
	bytesPerScalarElement = 2
)

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBoolParam(b []byte, key string, v bool) []byte {
	var p []byte
	p = protowire.AppendTag(p, fieldParamBool, protowire.VarintType)
	if v {
		p = protowire.AppendVarint(p, 1)
	} else {
		p = protowire.AppendVarint(p, 0)
	}
	return appendParamEntry(b, key, p)
}

func appendInt64Param(b []byte, key string, v int64) []byte {
	var p []byte
	p = protowire.AppendTag(p, fieldParamInt64, protowire.VarintType)
	p = protowire.AppendVarint(p, uint64(v))
	return appendParamEntry(b, key, p)
}

func appendStringParam(b []byte, key, v string) []byte {
	var p []byte
	p = appendStringField(p, fieldParamString, v)
	return appendParamEntry(b, key, p)
}

// appendParamEntry emits one parameters map entry: key=1, value=2.
func appendParamEntry(b []byte, key string, param []byte) []byte {
	var entry []byte
	entry = appendStringField(entry, 1, key)
	entry = appendBytesField(entry, 2, param)
	return appendBytesField(b, fieldReqParameters, entry)
}

// encode serializes the request into ModelInferRequest wire bytes.
func (r *Request) encode() []byte {
	var b []byte
	b = appendStringField(b, fieldReqModelName, r.Model)

	b = appendInt64Param(b, "sequence_id", r.SequenceID)
	b = appendBoolParam(b, "sequence_start", r.Start)
	b = appendBoolParam(b, "sequence_end", r.End)
	b = appendStringParam(b, "voice_name", r.VoiceName)
	if r.Start && r.SystemPrompt != "" {
		b = appendStringParam(b, "system_prompt", r.SystemPrompt)
	}
	if r.Start && r.InitialSentence != "" {
		b = appendStringParam(b, "initial_sentence", r.InitialSentence)
	}

	var input []byte
	input = appendStringField(input, fieldTensorName, InputAudioChunk)
	input = appendStringField(input, fieldTensorDatatype, audioChunkDatatype)
	var shape []byte
	shape = protowire.AppendVarint(shape, uint64(len(r.Audio)/bytesPerScalarElement))
	input = appendBytesField(input, fieldTensorShape, shape)
	b = appendBytesField(b, fieldReqInputs, input)

	for _, name := range []string{OutputTranscription, OutputBotResponse, OutputAudioChunk} {
		var out []byte
		out = appendStringField(out, fieldTensorName, name)
		b = appendBytesField(b, fieldReqOutputs, out)
	}

	b = appendBytesField(b, fieldReqRawInputs, r.Audio)
	return b
}

// decodeStreamResponse parses ModelStreamInferResponse wire bytes. A
// non-empty error_message from the backend surfaces as an error.
func decodeStreamResponse(data []byte) (*Response, error) {
	var errMsg string
	var inner []byte

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: stream response tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldStreamError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: error_message: %v", ErrMalformed, protowire.ParseError(n))
			}
			errMsg = v
			data = data[n:]
		case num == fieldStreamInfer && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: infer_response: %v", ErrMalformed, protowire.ParseError(n))
			}
			inner = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if errMsg != "" {
		return nil, fmt.Errorf("inference: backend error: %s", errMsg)
	}

	resp := &Response{Outputs: map[string][]byte{}}
	if inner == nil {
		return resp, nil
	}

	var names []string
	var raws [][]byte
	for len(inner) > 0 {
		num, typ, n := protowire.ConsumeTag(inner)
		if n < 0 {
			return nil, fmt.Errorf("%w: infer response tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		inner = inner[n:]
		switch {
		case num == fieldRespOutputs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(inner)
			if n < 0 {
				return nil, fmt.Errorf("%w: output tensor: %v", ErrMalformed, protowire.ParseError(n))
			}
			names = append(names, tensorName(v))
			inner = inner[n:]
		case num == fieldRespRawOutputs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(inner)
			if n < 0 {
				return nil, fmt.Errorf("%w: raw output: %v", ErrMalformed, protowire.ParseError(n))
			}
			raw := make([]byte, len(v))
			copy(raw, v)
			raws = append(raws, raw)
			inner = inner[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, inner)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			inner = inner[n:]
		}
	}

	// Outputs pair with raw contents by index; an unpaired name means the
	// tensor is absent for this frame.
	for i, name := range names {
		if name == "" || i >= len(raws) {
			continue
		}
		resp.Outputs[name] = raws[i]
	}
	return resp, nil
}

// tensorName extracts field 1 of an InferOutputTensor. Malformed tensors
// yield "" and are skipped by the caller.
func tensorName(tensor []byte) string {
	for len(tensor) > 0 {
		num, typ, n := protowire.ConsumeTag(tensor)
		if n < 0 {
			return ""
		}
		tensor = tensor[n:]
		if num == fieldTensorName && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(tensor)
			if n < 0 {
				return ""
			}
			return v
		}
		n = protowire.ConsumeFieldValue(num, typ, tensor)
		if n < 0 {
			return ""
		}
		tensor = tensor[n:]
	}
	return ""
}

// decodeTensorString decodes a string-typed tensor payload: a 4-byte
// little-endian length prefix followed by UTF-8, falling back to raw UTF-8
// when no valid prefix is present. Empty text decodes to ("", false).
func decodeTensorString(buf []byte) (string, bool) {
	if len(buf) == 0 {
		return "", false
	}
	text := string(buf)
	if len(buf) >= 4 {
		if n := binary.LittleEndian.Uint32(buf); int(n)+4 == len(buf) {
			text = string(buf[4:])
		}
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}
