package tts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning holds provider-specific synthesis knobs. It is loaded from an
// optional YAML file; anything the file leaves out keeps its default.
type Tuning struct {
	// Providers is the fallback order. Empty means the order given by
	// TTS_PROVIDERS, or the built-in order.
	Providers []string `yaml:"providers"`

	MiniMax    MiniMaxTuning    `yaml:"minimax"`
	FishAudio  FishAudioTuning  `yaml:"fishaudio"`
	ElevenLabs ElevenLabsTuning `yaml:"elevenlabs"`
	Gradio     GradioTuning     `yaml:"gradio"`
}

// MiniMaxTuning configures t2a_v2 voice_setting.
type MiniMaxTuning struct {
	Model   string  `yaml:"model"`
	Speed   float64 `yaml:"speed"`
	Vol     float64 `yaml:"vol"`
	Pitch   int     `yaml:"pitch"`
	Emotion string  `yaml:"emotion"`
}

// FishAudioTuning configures the /v1/tts request.
type FishAudioTuning struct {
	ChunkLength int    `yaml:"chunk_length"`
	Latency     string `yaml:"latency"`
	Normalize   bool   `yaml:"normalize"`
	MP3Bitrate  int    `yaml:"mp3_bitrate"`
}

// ElevenLabsTuning configures voice_settings. A negative value means the
// default; 0.0 is a valid setting.
type ElevenLabsTuning struct {
	Model      string  `yaml:"model"`
	Stability  float64 `yaml:"stability"`
	Similarity float64 `yaml:"similarity"`
}

// GradioTuning configures the Qwen3-TTS space call.
type GradioTuning struct {
	Language  string `yaml:"language"`
	ModelSize string `yaml:"model_size"`
}

// DefaultTuning returns the built-in knobs.
func DefaultTuning() *Tuning {
	t := &Tuning{}

	t.MiniMax.Model = "speech-01-turbo"
	t.MiniMax.Speed = 1.0
	t.MiniMax.Vol = 1.0
	t.MiniMax.Pitch = 0
	t.MiniMax.Emotion = "happy"

	t.FishAudio.ChunkLength = 200
	t.FishAudio.Latency = "normal"
	t.FishAudio.Normalize = true
	t.FishAudio.MP3Bitrate = 128

	t.ElevenLabs.Model = "eleven_multilingual_v2"
	t.ElevenLabs.Stability = -1
	t.ElevenLabs.Similarity = -1

	t.Gradio.Language = "Spanish"
	t.Gradio.ModelSize = "1.7B-Base"

	return t
}

// LoadTuning reads a tuning file over the defaults. An empty path or a
// missing file yields the defaults.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}

	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse tuning file: %w", err)
	}
	return t, nil
}
