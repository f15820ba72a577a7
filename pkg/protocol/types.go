package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const (
	// MaxStringLength is the largest string a u16 length prefix can describe
	MaxStringLength = 65535

	// MaxListLength bounds u16-counted lists
	MaxListLength = 65535
)

var (
	ErrStringTooLong = errors.New("string exceeds maximum length (65535 bytes)")
	ErrListTooLong   = errors.New("list exceeds maximum length (65535 entries)")
	ErrBlobTooLarge  = errors.New("byte blob exceeds maximum frame size")
)

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteUint16 writes a 16-bit unsigned integer in big-endian
func WriteUint16(w io.Writer, v uint16) error {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint16 reads a 16-bit unsigned integer in big-endian
func ReadUint16(r io.Reader) (uint16, error) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

// WriteUint32 writes a 32-bit unsigned integer in big-endian
func WriteUint32(w io.Writer, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint32 reads a 32-bit unsigned integer in big-endian
func ReadUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// WriteUint64 writes a 64-bit unsigned integer in big-endian
func WriteUint64(w io.Writer, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint64 reads a 64-bit unsigned integer in big-endian
func ReadUint64(r io.Reader) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}

// WriteInt64 writes a 64-bit signed integer in big-endian
func WriteInt64(w io.Writer, v int64) error {
	return WriteUint64(w, uint64(v))
}

// ReadInt64 reads a 64-bit signed integer in big-endian
func ReadInt64(r io.Reader) (int64, error) {
	v, err := ReadUint64(r)
	return int64(v), err
}

// WriteBool writes a boolean as a single byte (0x00 or 0x01)
func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint8(w, 0x01)
	}
	return WriteUint8(w, 0x00)
}

// ReadBool reads a boolean from a single byte
func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadUint8(r)
	if err != nil {
		return false, err
	}
	return b != 0x00, nil
}

// WriteString writes a length-prefixed UTF-8 string
// Format: [Length (uint16)][Data (N bytes UTF-8)]
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLength {
		return ErrStringTooLong
	}

	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}

	if len(s) > 0 {
		_, err := io.WriteString(w, s)
		return err
	}
	return nil
}

// ReadString reads a length-prefixed UTF-8 string
func ReadString(r io.Reader) (string, error) {
	length, err := ReadUint16(r)
	if err != nil {
		return "", err
	}

	if length == 0 {
		return "", nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}

	return string(data), nil
}

// WriteBytes writes a length-prefixed byte blob
// Format: [Length (uint32)][Data (N bytes)]
func WriteBytes(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrBlobTooLarge
	}

	if err := WriteUint32(w, uint32(len(b))); err != nil {
		return err
	}

	if len(b) > 0 {
		_, err := w.Write(b)
		return err
	}
	return nil
}

// ReadBytes reads a length-prefixed byte blob. A zero length yields nil.
func ReadBytes(r io.Reader) ([]byte, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrBlobTooLarge
	}

	if length == 0 {
		return nil, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteStringList writes a count-prefixed list of strings
// Format: [Count (uint16)][String]...
func WriteStringList(w io.Writer, list []string) error {
	if len(list) > MaxListLength {
		return ErrListTooLong
	}

	if err := WriteUint16(w, uint16(len(list))); err != nil {
		return err
	}

	for _, s := range list {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadStringList reads a count-prefixed list of strings. An empty list decodes
// as a non-nil empty slice.
func ReadStringList(r io.Reader) ([]string, error) {
	count, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}

	list := make([]string, 0, count)
	for i := 0; i < int(count); i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// WriteTimestamp writes a Unix timestamp in milliseconds (int64)
func WriteTimestamp(w io.Writer, t time.Time) error {
	if t.IsZero() {
		return WriteInt64(w, 0)
	}
	return WriteInt64(w, t.UnixMilli())
}

// ReadTimestamp reads a Unix timestamp in milliseconds and returns a time.Time.
// Zero decodes to the zero time.
func ReadTimestamp(r io.Reader) (time.Time, error) {
	millis, err := ReadInt64(r)
	if err != nil {
		return time.Time{}, err
	}
	if millis == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(millis), nil
}
