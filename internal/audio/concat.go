package audio

import "fmt"

// Concatenate joins clips in order into one narration.
//
// A single clip is returned untouched. Two or more clips are decoded,
// appended channel by channel and re-encoded as a 16-bit PCM WAV at the
// first clip's sample rate and channel count; any clip that disagrees on
// either is rejected with ErrFormatMismatch.
func Concatenate(clips []Clip) (Clip, error) {
	switch len(clips) {
	case 0:
		return Clip{}, ErrNoAudio
	case 1:
		return clips[0], nil
	}

	dec := NewDecoder()
	defer dec.Close()

	var out *Buffer
	for i, c := range clips {
		buf, err := dec.Decode(c)
		if err != nil {
			return Clip{}, fmt.Errorf("clip %d: %w", i, err)
		}

		if out == nil {
			out = &Buffer{
				SampleRate: buf.SampleRate,
				Channels:   buf.Channels,
				Samples:    make([][]float64, buf.Channels),
			}
		} else if buf.SampleRate != out.SampleRate || buf.Channels != out.Channels {
			return Clip{}, fmt.Errorf("%w: clip %d is %d Hz/%d ch, clip 0 is %d Hz/%d ch",
				ErrFormatMismatch, i, buf.SampleRate, buf.Channels, out.SampleRate, out.Channels)
		}

		for ch := range out.Samples {
			out.Samples[ch] = append(out.Samples[ch], buf.Samples[ch]...)
		}
	}

	return Clip{Data: EncodeWAV(out), MIMEType: MIMEWAV}, nil
}
