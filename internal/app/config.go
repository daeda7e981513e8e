package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string
	LogLevel      string
	Environment   string

	SentryDSN         string
	DiscordWebhookURL string

	// JWT Authentication
	JWTSecret  string
	JWTExpiry  time.Duration
	SessionTTL time.Duration

	// Diagnostics endpoint
	DebugAPIKey string

	// Text generation
	LLMProvider  string // gemini or openai
	GeminiAPIKey string
	GeminiModel  string
	OpenAIAPIKey string
	OpenAIModel  string

	// TTS providers
	MiniMaxAPIKey         string
	MiniMaxGroupID        string
	MiniMaxVoiceID        string // stored voice mode
	MiniMaxBaseURL        string
	FishAudioAPIKey       string
	FishAudioReferenceID  string // stored voice mode
	ElevenLabsAPIKey      string
	ElevenLabsVoiceID     string // stored voice mode
	// Negative keeps the tuning file value.
	ElevenLabsStability   float64
	ElevenLabsSimilarity  float64
	GradioSpaceURL        string
	HFToken               string
	TTSProviders          []string // priority order
	TTSConfigFile         string
	TTSRatePerMin         int // 0 means unlimited
	AudioSampleRate       int
	ChunkMaxChars         int
	TextMaxAttempts       int
	TextRetryBase         time.Duration
	VoicePollAttempts     int
	VoicePollInterval     time.Duration
	JanitorInterval       time.Duration
	ShutdownDrainDuration time.Duration
}

// defaultProviders is the chain order when TTS_PROVIDERS is unset.
var defaultProviders = []string{"minimax", "fishaudio", "elevenlabs", "gradio"}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		Environment:   getenv("ENVIRONMENT", "development"),

		SentryDSN:         os.Getenv("SENTRY_DSN"),
		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),

		// JWT Authentication
		JWTSecret:  os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry:  getenvDuration("JWT_EXPIRY", 24*time.Hour),
		SessionTTL: getenvDuration("SESSION_TTL", 24*time.Hour),

		DebugAPIKey: os.Getenv("DEBUG_API_KEY"),

		// Text generation
		LLMProvider:  strings.ToLower(getenv("LLM_PROVIDER", "gemini")),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getenv("GEMINI_MODEL", "gemini-2.5-flash"),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  getenv("OPENAI_MODEL", "gpt-4o-mini"),

		// TTS providers. Credentials have no fallbacks.
		MiniMaxAPIKey:        os.Getenv("MINIMAX_API_KEY"),
		MiniMaxGroupID:       os.Getenv("MINIMAX_GROUP_ID"),
		MiniMaxVoiceID:       os.Getenv("MINIMAX_VOICE_ID"),
		MiniMaxBaseURL:       os.Getenv("MINIMAX_BASE_URL"),
		FishAudioAPIKey:      os.Getenv("FISH_AUDIO_API_KEY"),
		FishAudioReferenceID: os.Getenv("FISH_AUDIO_REFERENCE_ID"),
		ElevenLabsAPIKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:    os.Getenv("ELEVENLABS_VOICE_ID"),
		ElevenLabsStability:  getenvFloatClamped("ELEVENLABS_STABILITY", -1, -1, 1),
		ElevenLabsSimilarity: getenvFloatClamped("ELEVENLABS_SIMILARITY", -1, -1, 1),
		GradioSpaceURL:       os.Getenv("GRADIO_SPACE_URL"),
		HFToken:              os.Getenv("HF_TOKEN"),
		TTSProviders:         parseList(os.Getenv("TTS_PROVIDERS"), defaultProviders),
		TTSConfigFile:        os.Getenv("TTS_CONFIG_FILE"),
		TTSRatePerMin:        getenvIntClamped("TTS_RATE_PER_MIN", 0, 0, 6000),
		AudioSampleRate:      getenvIntClamped("AUDIO_SAMPLE_RATE", 24000, 8000, 48000),

		// Story pipeline bounds
		ChunkMaxChars:         getenvIntClamped("CHUNK_MAX_CHARS", 250, 50, 5000),
		TextMaxAttempts:       getenvIntClamped("TEXT_MAX_ATTEMPTS", 3, 1, 10),
		TextRetryBase:         getenvDuration("TEXT_RETRY_BASE", time.Second),
		VoicePollAttempts:     getenvIntClamped("VOICE_POLL_ATTEMPTS", 40, 0, 600),
		VoicePollInterval:     getenvDuration("VOICE_POLL_INTERVAL", time.Second),
		JanitorInterval:       getenvDuration("JANITOR_INTERVAL", 10*time.Minute),
		ShutdownDrainDuration: getenvDuration("SHUTDOWN_DRAIN", 60*time.Second),
	}
}

// parseList splits a comma list, lowercasing and dropping blanks. An empty
// result yields def.
func parseList(s string, def []string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), def...)
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped parses an int setting and clamps it to [min, max].
// Missing or invalid values yield def.
func getenvIntClamped(k string, def, min, max int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// getenvFloatClamped parses a float setting and clamps it to [min, max].
func getenvFloatClamped(k string, def, min, max float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// getenvDuration parses a Go duration; invalid or non-positive values yield def.
func getenvDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(k))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
