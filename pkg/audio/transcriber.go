package audio

import (
	"context"
	"fmt"
)

// Transcriber turns WAV bytes into text. Real speech-to-text engines live
// outside this module and plug in through this interface.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// TranscriberFunc adapts a function to the Transcriber interface
type TranscriberFunc func(ctx context.Context, wav []byte) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return f(ctx, wav)
}

// PlaceholderTranscriber describes the clip instead of transcribing it
type PlaceholderTranscriber struct{}

func (PlaceholderTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	pcm, format, err := DecodeWAV(wav)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[audio message, %.1fs]", format.Duration(len(pcm)).Seconds()), nil
}
