package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

var (
	ErrNotWAV         = errors.New("data is not a RIFF/WAVE file")
	ErrMissingChunk   = errors.New("WAV file is missing a fmt or data chunk")
	ErrUnsupportedPCM = errors.New("only integer PCM WAV files are supported")
)

const (
	wavHeaderSize = 44
	formatPCM     = 1
)

// Format describes raw PCM samples
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 16 kHz, 16-bit, mono signed little-endian PCM
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

func (f Format) blockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) byteRate() int {
	return f.SampleRate * f.blockAlign()
}

// Duration returns how long n bytes of PCM in this format play for
func (f Format) Duration(n int) time.Duration {
	rate := f.byteRate()
	if rate == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// IsWAV reports whether data starts with a RIFF/WAVE header
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// WrapPCM prefixes raw PCM with a canonical 44-byte RIFF/WAVE header
func WrapPCM(pcm []byte, f Format) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)
	le.PutUint16(out[20:22], formatPCM)
	le.PutUint16(out[22:24], uint16(f.Channels))
	le.PutUint32(out[24:28], uint32(f.SampleRate))
	le.PutUint32(out[28:32], uint32(f.byteRate()))
	le.PutUint16(out[32:34], uint16(f.blockAlign()))
	le.PutUint16(out[34:36], uint16(f.BitsPerSample))

	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

// DecodeWAV walks the RIFF chunks of a WAV file and returns its PCM samples and format.
// Unknown chunks (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if !IsWAV(data) {
		return nil, Format{}, ErrNotWAV
	}

	le := binary.LittleEndian
	var (
		format  Format
		pcm     []byte
		haveFmt bool
	)

	r := bytes.NewReader(data[12:])
	for r.Len() >= 8 {
		var header [8]byte
		if _, err := r.Read(header[:]); err != nil {
			return nil, Format{}, err
		}
		id := string(header[0:4])
		size := int(le.Uint32(header[4:8]))
		if size > r.Len() {
			size = r.Len()
		}

		body := make([]byte, size)
		if _, err := r.Read(body); err != nil && size > 0 {
			return nil, Format{}, err
		}
		// Chunks are word aligned
		if size%2 == 1 && r.Len() > 0 {
			r.ReadByte()
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, ErrMissingChunk
			}
			if le.Uint16(body[0:2]) != formatPCM {
				return nil, Format{}, ErrUnsupportedPCM
			}
			format = Format{
				Channels:      int(le.Uint16(body[2:4])),
				SampleRate:    int(le.Uint32(body[4:8])),
				BitsPerSample: int(le.Uint16(body[14:16])),
			}
			haveFmt = true
		case "data":
			pcm = body
		}
	}

	if !haveFmt || pcm == nil {
		return nil, Format{}, ErrMissingChunk
	}
	return pcm, format, nil
}
