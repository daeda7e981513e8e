package tts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTuning_Defaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yaml")} {
		tun, err := LoadTuning(path)
		if err != nil {
			t.Fatalf("LoadTuning(%q): %v", path, err)
		}
		if tun.MiniMax.Model != "speech-01-turbo" || tun.FishAudio.ChunkLength != 200 || tun.Gradio.ModelSize != "1.7B-Base" {
			t.Errorf("LoadTuning(%q) = %+v, want defaults", path, tun)
		}
	}
}

func TestLoadTuning_OverridesOnlyGivenKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tts.yaml")
	content := `
providers: [fishaudio, minimax]
minimax:
  speed: 0.9
  emotion: calm
elevenlabs:
  stability: 0
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	tun, err := LoadTuning(path)
	if err != nil {
		t.Fatalf("LoadTuning: %v", err)
	}
	if len(tun.Providers) != 2 || tun.Providers[0] != "fishaudio" {
		t.Errorf("Providers = %v", tun.Providers)
	}
	if tun.MiniMax.Speed != 0.9 || tun.MiniMax.Emotion != "calm" {
		t.Errorf("MiniMax = %+v", tun.MiniMax)
	}
	if tun.MiniMax.Model != "speech-01-turbo" || tun.MiniMax.Vol != 1.0 {
		t.Errorf("unset MiniMax keys lost their defaults: %+v", tun.MiniMax)
	}
	if tun.ElevenLabs.Stability != 0 || tun.ElevenLabs.Similarity != -1 {
		t.Errorf("ElevenLabs = %+v", tun.ElevenLabs)
	}
}

func TestLoadTuning_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tts.yaml")
	if err := os.WriteFile(path, []byte("minimax: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTuning(path); err == nil {
		t.Error("LoadTuning accepted invalid YAML")
	}
}
