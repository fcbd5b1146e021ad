// Package ipc implements the framed duplex channel between the
// traceline client and the tracelined service. Every frame is a 4-byte
// big-endian length prefix followed by one msgpack document.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/traceline-io/traceline/types"
)

// Frame size constants. A frame is length prefix plus payload; payloads
// above the limit are rejected before allocation on the read side and
// before the write ever reaches the wire on the write side.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameErrorKind classifies framing errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a framing or decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error poisons the stream. After a
// partial or oversized frame the byte boundary is unknowable, so the
// connection must be torn down and re-established. A decode error is
// confined to one frame; the stream remains aligned.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r}
}

// ReadFrame reads a single frame from the stream.
// Returns the raw payload bytes (msgpack-encoded).
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	// Read 4-byte big-endian length prefix
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		// Partial read of length prefix
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])

	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// FrameEncoder writes length-prefixed msgpack frames to a stream. It is
// not safe for concurrent use; callers serialize writes.
type FrameEncoder struct {
	writer io.Writer
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{writer: w}
}

// WriteFrame marshals v and writes it as a single frame. Oversized
// payloads are rejected before any byte reaches the wire, so a failed
// WriteFrame with FrameErrorTooLarge leaves the stream aligned.
func (e *FrameEncoder) WriteFrame(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to encode frame payload",
			Err:  err,
		}
	}
	return e.WriteRaw(payload)
}

// WriteRaw writes pre-encoded payload bytes as a single frame.
func (e *FrameEncoder) WriteRaw(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))

	if _, err := e.writer.Write(lengthBuf[:]); err != nil {
		return &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to write length prefix",
			Err:  err,
		}
	}
	if _, err := e.writer.Write(payload); err != nil {
		return &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to write payload",
			Err:  err,
		}
	}
	return nil
}

// frameTypeProbe is used to peek at the type field without full decode.
type frameTypeProbe struct {
	Type string `msgpack:"type"`
}

// DecodeFrame decodes a payload into one of the channel frame types:
// *types.Record, *types.Ack, *types.Hello, or *types.Shutdown.
// Discrimination is by the type field shared by every frame shape.
func DecodeFrame(payload []byte) (any, error) {
	// Peek at type field
	var probe frameTypeProbe
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode frame type",
			Err:  err,
		}
	}

	switch probe.Type {
	case types.ControlAck:
		return DecodeAck(payload)
	case types.ControlHello:
		return DecodeHello(payload)
	case types.ControlShutdown:
		return DecodeShutdown(payload)
	default:
		return DecodeRecord(payload)
	}
}

// DecodeRecord decodes a payload as a record envelope.
func DecodeRecord(payload []byte) (*types.Record, error) {
	var rec types.Record
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode record envelope",
			Err:  err,
		}
	}
	return &rec, nil
}

// DecodeAck decodes a payload as an ack control frame.
func DecodeAck(payload []byte) (*types.Ack, error) {
	var ack types.Ack
	if err := msgpack.Unmarshal(payload, &ack); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode ack frame",
			Err:  err,
		}
	}
	return &ack, nil
}

// DecodeHello decodes a payload as a hello control frame.
func DecodeHello(payload []byte) (*types.Hello, error) {
	var hello types.Hello
	if err := msgpack.Unmarshal(payload, &hello); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode hello frame",
			Err:  err,
		}
	}
	return &hello, nil
}

// DecodeShutdown decodes a payload as a shutdown control frame.
func DecodeShutdown(payload []byte) (*types.Shutdown, error) {
	var down types.Shutdown
	if err := msgpack.Unmarshal(payload, &down); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode shutdown frame",
			Err:  err,
		}
	}
	return &down, nil
}
