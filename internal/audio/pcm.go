package audio

import (
	"encoding/binary"
	"math"
)

// Buffer is decoded audio with one float slice per channel, samples in [-1, 1].
type Buffer struct {
	SampleRate int
	Channels   int
	Samples    [][]float64
}

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// Quantize converts a float sample to signed 16-bit PCM. The sample is
// clamped to [-1, 1]; positive values scale by 32767 and negative values by
// 32768.
func Quantize(sample float64) int16 {
	switch {
	case math.IsNaN(sample):
		return 0
	case sample > 1:
		sample = 1
	case sample < -1:
		sample = -1
	}
	if sample < 0 {
		return int16(math.Round(sample * 32768))
	}
	return int16(math.Round(sample * 32767))
}

// Dequantize is the inverse of Quantize for an integer sample of the given
// bit depth, so Quantize(Dequantize(v, 16)) == v for every int16 v.
func Dequantize(v, bitDepth int) float64 {
	full := float64(int64(1) << (bitDepth - 1))
	if v < 0 {
		return float64(v) / full
	}
	return float64(v) / (full - 1)
}

// EncodeWAV interleaves and quantizes buf into a 16-bit PCM WAV file.
func EncodeWAV(buf *Buffer) []byte {
	frames := buf.Frames()
	pcm := make([]byte, frames*buf.Channels*2)
	pos := 0
	for i := 0; i < frames; i++ {
		for ch := 0; ch < buf.Channels; ch++ {
			binary.LittleEndian.PutUint16(pcm[pos:], uint16(Quantize(buf.Samples[ch][i])))
			pos += 2
		}
	}
	return WrapPCM(pcm, buf.SampleRate, buf.Channels, 16)
}

// deinterleave splits interleaved integer samples into per-channel floats.
func deinterleave(data []int, channels, bitDepth int) [][]float64 {
	frames := len(data) / channels
	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			out[ch][i] = Dequantize(data[i*channels+ch], bitDepth)
		}
	}
	return out
}
