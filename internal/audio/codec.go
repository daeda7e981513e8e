// Package audio holds the narration audio plumbing: base64 transport
// encoding, WAV container synthesis, clip decoding and concatenation.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// MIME types produced or recognised by the pipeline.
const (
	MIMEWAV  = "audio/wav"
	MIMEMP3  = "audio/mpeg"
	MIMEPCM  = "audio/pcm"
	mimeMP3b = "audio/mp3"
)

var (
	// ErrDecode is returned for malformed base64 or audio container data.
	ErrDecode = errors.New("audio decode failed")
	// ErrNoAudio is returned when there is nothing to concatenate.
	ErrNoAudio = errors.New("no audio clips to concatenate")
	// ErrFormatMismatch is returned when clips disagree on sample rate or channel count.
	ErrFormatMismatch = errors.New("audio clips have mismatched formats")
)

// Clip is one encoded piece of audio. It is used both for per-chunk
// synthesis results and for the final concatenated narration.
type Clip struct {
	Data     []byte
	MIMEType string
}

// Base64 returns the clip payload in standard base64.
func (c Clip) Base64() string {
	return EncodeBase64(c.Data)
}

// ClipFromBase64 decodes a base64 payload into a Clip.
func ClipFromBase64(data, mimeType string) (Clip, error) {
	b, err := DecodeBase64(data)
	if err != nil {
		return Clip{}, err
	}
	return Clip{Data: b, MIMEType: mimeType}, nil
}

// DecodeBase64 decodes standard, padded base64.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return b, nil
}

// EncodeBase64 encodes b as standard, padded base64.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
