// Package costs provides cost estimation for story generation.
package costs

import (
	"os"
	"strconv"
)

// Pricing constants (in cents per unit for precision).
// These are based on 2026 list prices and can be overridden via environment variables.
var (
	// GeminiCentsPerThousandInputTokens is the cost per 1K input tokens for Gemini 2.5 Flash.
	// Default: $0.30/1M = 0.03 cents/1K tokens
	GeminiCentsPerThousandInputTokens = getEnvFloat("COST_GEMINI_INPUT_CENTS_PER_1K", 0.03)

	// GeminiCentsPerThousandOutputTokens is the cost per 1K output tokens for Gemini 2.5 Flash.
	// Default: $2.50/1M = 0.25 cents/1K tokens
	GeminiCentsPerThousandOutputTokens = getEnvFloat("COST_GEMINI_OUTPUT_CENTS_PER_1K", 0.25)

	// OpenAICentsPerThousandInputTokens is the cost per 1K input tokens for GPT-4o-mini.
	// Default: $0.15/1M = $0.00015/1K = 0.015 cents/1K tokens
	OpenAICentsPerThousandInputTokens = getEnvFloat("COST_OPENAI_INPUT_CENTS_PER_1K", 0.015)

	// OpenAICentsPerThousandOutputTokens is the cost per 1K output tokens for GPT-4o-mini.
	// Default: $0.60/1M = $0.0006/1K = 0.06 cents/1K tokens
	OpenAICentsPerThousandOutputTokens = getEnvFloat("COST_OPENAI_OUTPUT_CENTS_PER_1K", 0.06)

	// TTSCentsPerThousandChars maps a TTS provider name to its cost per 1K characters.
	// Providers not listed (e.g. the public Gradio space) are free.
	TTSCentsPerThousandChars = map[string]float64{
		"minimax":    getEnvFloat("COST_MINIMAX_CENTS_PER_1K_CHARS", 6.0),
		"fishaudio":  getEnvFloat("COST_FISHAUDIO_CENTS_PER_1K_CHARS", 1.5),
		"elevenlabs": getEnvFloat("COST_ELEVENLABS_CENTS_PER_1K_CHARS", 18.0),
	}
)

// StoryMetrics contains the raw usage of one story used for cost calculation.
type StoryMetrics struct {
	LLMProvider     string         // "gemini" or "openai"
	LLMInputTokens  int            // Tokens sent to the text model
	LLMOutputTokens int            // Tokens received from the text model
	TTSCharacters   map[string]int // Characters synthesized, by the provider that succeeded
}

// AddTTS records characters synthesized by provider.
func (m *StoryMetrics) AddTTS(provider string, chars int) {
	if m.TTSCharacters == nil {
		m.TTSCharacters = make(map[string]int)
	}
	m.TTSCharacters[provider] += chars
}

// StoryCosts contains the calculated costs for a story in cents.
type StoryCosts struct {
	LLMCostCents   int `json:"llmCostCents"`
	TTSCostCents   int `json:"ttsCostCents"`
	TotalCostCents int `json:"totalCostCents"`
}

// CalculateStoryCosts computes the costs for a story based on usage metrics.
func CalculateStoryCosts(m StoryMetrics) StoryCosts {
	inRate, outRate := GeminiCentsPerThousandInputTokens, GeminiCentsPerThousandOutputTokens
	if m.LLMProvider == "openai" {
		inRate, outRate = OpenAICentsPerThousandInputTokens, OpenAICentsPerThousandOutputTokens
	}

	// LLM costs: per 1K tokens
	llmCents := (float64(m.LLMInputTokens)/1000.0)*inRate + (float64(m.LLMOutputTokens)/1000.0)*outRate

	// TTS costs: per 1K characters, priced by whichever provider produced the audio
	var ttsCents float64
	for provider, chars := range m.TTSCharacters {
		ttsCents += (float64(chars) / 1000.0) * TTSCentsPerThousandChars[provider]
	}

	// Round to nearest cent (we store as integers)
	costs := StoryCosts{
		LLMCostCents: roundToInt(llmCents),
		TTSCostCents: roundToInt(ttsCents),
	}
	costs.TotalCostCents = costs.LLMCostCents + costs.TTSCostCents

	return costs
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
