package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed frame size (16 MB). Audio uploads
	// and federated audio travel inside a single frame.
	MaxFrameSize = 16 * 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// headerSize is version + action + flags
	headerSize = 3

	// MaxPayloadSize is the largest payload that still fits in one frame
	MaxPayloadSize = MaxFrameSize - headerSize
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size (16 MB)")
	ErrInvalidVersion     = errors.New("invalid protocol version")
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// Frame is the unit of wire transfer for both the client and the federation protocol.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8  // Protocol version (currently 1)
	Type    uint8  // Action tag, see actions.go
	Flags   uint8  // Reserved, always 0 for now
	Payload []byte // Encoded action payload
}

// NewFrame builds a version-1 frame for an action and encoded payload
func NewFrame(action uint8, payload []byte) *Frame {
	return &Frame{
		Version: ProtocolVersion,
		Type:    action,
		Payload: payload,
	}
}

// Encoder is implemented by every payload type in this package
type Encoder interface {
	Encode() ([]byte, error)
}

// FrameFor encodes msg and wraps it in a frame tagged with action. A payload
// too large for one frame fails here rather than at write time.
func FrameFor(action uint8, msg Encoder) (*Frame, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	return NewFrame(action, payload), nil
}

// IsEncodeError reports whether err comes from encoding a frame locally
// rather than from the connection it was written to
func IsEncodeError(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrBlobTooLarge) ||
		errors.Is(err, ErrStringTooLong) ||
		errors.Is(err, ErrListTooLong) ||
		errors.Is(err, ErrTooManyServers)
}

// EncodeFrame writes a frame to the writer in a single Write call so that
// concurrent writers guarded by a mutex never interleave partial frames.
func EncodeFrame(w io.Writer, f *Frame) error {
	length := uint32(headerSize + len(f.Payload))

	// Max frame size excludes the 4-byte length field itself
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := bytes.NewBuffer(make([]byte, 0, 4+int(length)))
	if err := WriteUint32(buf, length); err != nil {
		return err
	}
	buf.WriteByte(f.Version)
	buf.WriteByte(f.Type)
	buf.WriteByte(f.Flags)
	buf.Write(f.Payload)

	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeFrame reads a frame from the reader
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	// Length must at least cover version + type + flags
	if length < headerSize {
		return nil, ErrInvalidFrameLength
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, unexpectedEOF(err)
	}

	if header[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	payload := make([]byte, length-headerSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, unexpectedEOF(err)
		}
	}

	return &Frame{
		Version: header[0],
		Type:    header[1],
		Flags:   header[2],
		Payload: payload,
	}, nil
}

// EncodeMessage is a helper that encodes a frame to a byte slice
func EncodeMessage(msgType uint8, payload []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, NewFrame(msgType, payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}

// A clean EOF is only valid on a frame boundary
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
