package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("audio file not found")
	ErrInvalidFileName = errors.New("invalid audio file name")
	ErrEmptyAudio      = errors.New("audio upload is empty")
	ErrAudioTooLarge   = errors.New("audio exceeds maximum size")
)

const (
	// FileExtension is appended to every generated blob name
	FileExtension = ".wav"

	// MaxAudioSize caps a stored blob, WAV header included. It sits 1 MB under
	// the 16 MB frame limit so a blob still fits in one AUDIO_DATA_RESPONSE or
	// FEDERATED_AUDIO frame next to the message fields.
	MaxAudioSize = 15 * 1024 * 1024
)

// Store keeps audio blobs as files in a single directory. Messages reference a
// blob by its bare file name, never by path.
type Store struct {
	dir    string
	format Format
	logger *zap.Logger
}

// NewStore creates the directory if needed. Raw PCM uploads are wrapped using format.
func NewStore(dir string, format Format, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format.SampleRate == 0 || format.Channels == 0 || format.BitsPerSample == 0 {
		format = DefaultFormat
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audio directory: %w", err)
	}
	return &Store{dir: dir, format: format, logger: logger}, nil
}

// Dir returns the directory blobs are written to
func (s *Store) Dir() string {
	return s.dir
}

// Format returns the PCM format used to wrap raw uploads
func (s *Store) Format() Format {
	return s.format
}

// Save stores an upload under a fresh <uuid>.wav name and returns the name and
// the WAV bytes written. Uploads that are already WAV files are stored as-is.
func (s *Store) Save(data []byte) (string, []byte, error) {
	if len(data) == 0 {
		return "", nil, ErrEmptyAudio
	}

	size := len(data)
	if !IsWAV(data) {
		size += wavHeaderSize
	}
	if size > MaxAudioSize {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrAudioTooLarge, size)
	}

	wav := data
	if !IsWAV(data) {
		wav = WrapPCM(data, s.format)
	}

	name := uuid.NewString() + FileExtension
	if err := s.write(name, wav); err != nil {
		return "", nil, err
	}

	s.logger.Debug("stored audio upload", zap.String("file", name), zap.Int("bytes", len(wav)))
	return name, wav, nil
}

// SaveAs stores bytes received from a peer under the name the peer used, so the
// reference carried by the message stays valid on this server.
func (s *Store) SaveAs(name string, wav []byte) error {
	if err := ValidateFileName(name); err != nil {
		return err
	}
	if len(wav) == 0 {
		return ErrEmptyAudio
	}
	if len(wav) > MaxAudioSize {
		return fmt.Errorf("%w: %d bytes", ErrAudioTooLarge, len(wav))
	}
	return s.write(name, wav)
}

// Load returns the bytes of a stored blob
func (s *Store) Load(name string) ([]byte, error) {
	if err := ValidateFileName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is present
func (s *Store) Exists(name string) bool {
	if ValidateFileName(name) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

func (s *Store) write(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize audio file: %w", err)
	}
	return nil
}

// ValidateFileName accepts only bare names with the blob extension
func ValidateFileName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) ||
		strings.HasPrefix(name, ".") || !strings.HasSuffix(name, FileExtension) {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}
