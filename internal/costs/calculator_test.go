package costs

import (
	"testing"
)

func TestCalculateStoryCosts(t *testing.T) {
	tests := []struct {
		name    string
		metrics StoryMetrics
		want    StoryCosts
	}{
		{
			name: "typical gemini story on minimax",
			metrics: StoryMetrics{
				LLMProvider:     "gemini",
				LLMInputTokens:  200,
				LLMOutputTokens: 1200,
				TTSCharacters:   map[string]int{"minimax": 900},
			},
			// LLM: (200/1000)*0.03 + (1200/1000)*0.25 = 0.006 + 0.3 = 0.306 -> 0 cents
			// TTS: (900/1000)*6 = 5.4 -> 5 cents
			want: StoryCosts{LLMCostCents: 0, TTSCostCents: 5, TotalCostCents: 5},
		},
		{
			name: "fallback chunk priced by its provider",
			metrics: StoryMetrics{
				LLMProvider:   "gemini",
				TTSCharacters: map[string]int{"minimax": 700, "elevenlabs": 200},
			},
			// TTS: 0.7*6 + 0.2*18 = 4.2 + 3.6 = 7.8 -> 8 cents
			want: StoryCosts{TTSCostCents: 8, TotalCostCents: 8},
		},
		{
			name: "free gradio space",
			metrics: StoryMetrics{
				TTSCharacters: map[string]int{"gradio": 5000},
			},
			want: StoryCosts{},
		},
		{
			name: "long openai story",
			metrics: StoryMetrics{
				LLMProvider:     "openai",
				LLMInputTokens:  10000,
				LLMOutputTokens: 20000,
				TTSCharacters:   map[string]int{"fishaudio": 4000},
			},
			// LLM: 10*0.015 + 20*0.06 = 0.15 + 1.2 = 1.35 -> 1 cent
			// TTS: 4*1.5 = 6 cents
			want: StoryCosts{LLMCostCents: 1, TTSCostCents: 6, TotalCostCents: 7},
		},
		{
			name:    "zero usage",
			metrics: StoryMetrics{},
			want:    StoryCosts{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateStoryCosts(tt.metrics)
			if got != tt.want {
				t.Errorf("CalculateStoryCosts() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAddTTS(t *testing.T) {
	var m StoryMetrics
	m.AddTTS("minimax", 250)
	m.AddTTS("minimax", 100)
	m.AddTTS("fishaudio", 40)

	if m.TTSCharacters["minimax"] != 350 || m.TTSCharacters["fishaudio"] != 40 {
		t.Errorf("TTSCharacters = %v", m.TTSCharacters)
	}
}

func TestRoundToInt(t *testing.T) {
	tests := []struct {
		input float64
		want  int
	}{
		{0.0, 0},
		{0.4, 0},
		{0.5, 1},
		{1.49, 1},
		{1.5, 2},
		{-0.5, -1},
		{-1.4, -1},
	}

	for _, tt := range tests {
		got := roundToInt(tt.input)
		if got != tt.want {
			t.Errorf("roundToInt(%v) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("COST_TEST_FLOAT", "2.5")
	if got := getEnvFloat("COST_TEST_FLOAT", 1); got != 2.5 {
		t.Errorf("getEnvFloat = %v, want 2.5", got)
	}
	t.Setenv("COST_TEST_FLOAT", "abc")
	if got := getEnvFloat("COST_TEST_FLOAT", 1); got != 1 {
		t.Errorf("getEnvFloat invalid = %v, want default", got)
	}
}
