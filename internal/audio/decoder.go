package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrDecoderClosed is returned by Decode after Close.
var ErrDecoderClosed = errors.New("audio decoder closed")

// Decoder turns encoded clips into sample buffers. Acquire one per
// concatenation and Close it when done; every Decode call starts from a
// fresh container reader so clips never share state.
type Decoder struct {
	closed  bool
	scratch bytes.Buffer
}

// NewDecoder returns a ready Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Close releases the decoder's buffers.
func (d *Decoder) Close() error {
	d.closed = true
	d.scratch = bytes.Buffer{}
	return nil
}

// Decode decodes a WAV, MP3 or raw 16-bit PCM clip. The container is
// chosen from the MIME type, falling back to sniffing the payload.
func (d *Decoder) Decode(c Clip) (*Buffer, error) {
	if d.closed {
		return nil, ErrDecoderClosed
	}
	if len(c.Data) == 0 {
		return nil, fmt.Errorf("%w: empty clip", ErrDecode)
	}

	mediaType, params, err := mime.ParseMediaType(c.MIMEType)
	if err != nil {
		mediaType = ""
	}

	switch kind := containerOf(mediaType, c.Data); kind {
	case MIMEWAV:
		return decodeWAV(c.Data)
	case MIMEMP3:
		return d.decodeMP3(c.Data)
	case MIMEPCM:
		return decodeRawPCM(c.Data, params)
	default:
		return nil, fmt.Errorf("%w: unsupported audio type %q", ErrDecode, c.MIMEType)
	}
}

func containerOf(mediaType string, data []byte) string {
	switch strings.ToLower(mediaType) {
	case MIMEWAV, "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return MIMEWAV
	case MIMEMP3, mimeMP3b, "audio/mpeg3", "audio/x-mpeg-3":
		return MIMEMP3
	case MIMEPCM, "audio/l16":
		return MIMEPCM
	}
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return MIMEWAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return MIMEMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return MIMEMP3
	}
	return ""
}

func decodeWAV(data []byte) (*Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav container", ErrDecode)
	}
	if dec.WavAudioFormat != FormatPCM {
		return nil, fmt.Errorf("%w: unsupported wav format %d", ErrDecode, dec.WavAudioFormat)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	channels := pcm.Format.NumChannels
	bitDepth := int(dec.BitDepth)
	if channels <= 0 || bitDepth <= 0 {
		return nil, fmt.Errorf("%w: wav header has %d channels at %d bits", ErrDecode, channels, bitDepth)
	}
	if bitDepth == 8 {
		// 8-bit WAV is unsigned
		for i, v := range pcm.Data {
			pcm.Data[i] = v - 128
		}
	}

	return &Buffer{
		SampleRate: pcm.Format.SampleRate,
		Channels:   channels,
		Samples:    deinterleave(pcm.Data, channels, bitDepth),
	}, nil
}

// decodeMP3 decodes to the 16-bit stereo PCM go-mp3 always produces.
func (d *Decoder) decodeMP3(data []byte) (*Buffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	d.scratch.Reset()
	if _, err := io.Copy(&d.scratch, dec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &Buffer{
		SampleRate: dec.SampleRate(),
		Channels:   2,
		Samples:    deinterleave(int16LE(d.scratch.Bytes()), 2, 16),
	}, nil
}

// decodeRawPCM decodes headerless signed 16-bit little-endian PCM. The MIME
// parameters must carry the sample rate ("rate") and may carry "channels".
func decodeRawPCM(data []byte, params map[string]string) (*Buffer, error) {
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return nil, fmt.Errorf("%w: raw pcm needs a rate parameter", ErrDecode)
	}
	channels := 1
	if v, ok := params["channels"]; ok {
		if channels, err = strconv.Atoi(v); err != nil || channels <= 0 {
			return nil, fmt.Errorf("%w: bad channels parameter %q", ErrDecode, v)
		}
	}
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: pcm payload not aligned", ErrDecode)
	}
	return &Buffer{
		SampleRate: rate,
		Channels:   channels,
		Samples:    deinterleave(int16LE(data), channels, 16),
	}, nil
}

func int16LE(b []byte) []int {
	out := make([]int, len(b)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(b[i*2:])))
	}
	return out
}
