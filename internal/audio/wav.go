package audio

import "encoding/binary"

// WAV format constants.
const (
	// HeaderSize is the size of the canonical PCM WAV header in bytes.
	HeaderSize = 44

	// FormatPCM is the audio format code for uncompressed PCM.
	FormatPCM = 1
)

// WrapPCM adds a WAV header to raw little-endian PCM data.
// Parameters:
//   - pcm: raw PCM audio data bytes
//   - sampleRate: samples per second (e.g., 24000, 32000, 44100)
//   - channels: number of audio channels (1=mono, 2=stereo)
//   - bitsPerSample: bit depth per sample (typically 16)
//
// Returns a complete WAV file as a byte slice.
func WrapPCM(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	dataSize := len(pcm)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	out := make([]byte, HeaderSize, HeaderSize+dataSize)
	le := binary.LittleEndian

	// RIFF header
	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")

	// fmt subchunk
	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)
	le.PutUint16(out[20:22], FormatPCM)
	le.PutUint16(out[22:24], uint16(channels))
	le.PutUint32(out[24:28], uint32(sampleRate))
	le.PutUint32(out[28:32], uint32(byteRate))
	le.PutUint16(out[32:34], uint16(blockAlign))
	le.PutUint16(out[34:36], uint16(bitsPerSample))

	// data subchunk
	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(dataSize))

	return append(out, pcm...)
}

// WrapPCM16Mono wraps 16-bit mono PCM, the format hosted TTS APIs return
// for their raw "pcm" output option.
func WrapPCM16Mono(pcm []byte, sampleRate int) []byte {
	return WrapPCM(pcm, sampleRate, 1, 16)
}
