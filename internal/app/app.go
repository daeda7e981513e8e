package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/lukasbauer/storyteller/internal/eventlog"
	"github.com/lukasbauer/storyteller/internal/httpapi"
	"github.com/lukasbauer/storyteller/internal/jobs"
	"github.com/lukasbauer/storyteller/internal/llm"
	"github.com/lukasbauer/storyteller/internal/notifications"
	"github.com/lukasbauer/storyteller/internal/store"
	"github.com/lukasbauer/storyteller/internal/story"
	"github.com/lukasbauer/storyteller/internal/telemetry"
	"github.com/lukasbauer/storyteller/internal/tts"
	"github.com/lukasbauer/storyteller/internal/voice"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	metrics  *telemetry.Metrics
	stories  *story.Manager
	sessions *httpapi.Sessions
	janitor  *jobs.Janitor
	router   http.Handler
}

// provider is a configured TTS client before rate limiting.
type provider struct {
	client     tts.Provider
	configured bool
	storedID   string // stored voice id, if any
}

func New(ctx context.Context, cfg Config, logger *log.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	// The database is optional: without it nothing is persisted and every
	// signed session token is accepted.
	if cfg.DatabaseURL != "" {
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(dbCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(dbCtx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		// Migrations are applied externally (migrations/*.sql).
	} else {
		logger.Printf("app: DATABASE_URL not set, running without persistence")
	}
	a.store = store.New(a.db)
	a.eventLog = eventlog.New(a.db)

	metrics, err := telemetry.New(ctx, "storyteller", cfg.Environment)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.metrics = metrics

	tuning, err := tts.LoadTuning(cfg.TTSConfigFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Shared HTTP client with connection pooling for the model and voice APIs.
	// The timeout covers a full Gradio queue wait.
	httpClient := &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	generator, err := newGenerator(cfg, httpClient)
	if err != nil {
		a.Close()
		return nil, err
	}

	order := cfg.TTSProviders
	if len(tuning.Providers) > 0 {
		order = tuning.Providers
	}
	providers := newProviders(cfg, tuning, httpClient)

	tset := assembleTTS(order, providers, cfg.TTSRatePerMin, logger)

	chain := tts.NewChain(logger, tset.providers...)
	chain.OnAttempt(func(at tts.Attempt) {
		a.metrics.RecordTTSAttempt(context.Background(), at.Provider, at.Err, at.Duration)
	})
	logger.Printf("app: TTS chain %v, stored voice %s", chain.Names(), tset.stored)

	discord := notifications.NewDiscord(cfg.DiscordWebhookURL, logger)

	orchestrator := story.NewOrchestrator(story.Config{
		MaxChars:          cfg.ChunkMaxChars,
		TextAttempts:      cfg.TextMaxAttempts,
		TextBackoff:       cfg.TextRetryBase,
		VoicePollAttempts: cfg.VoicePollAttempts,
		VoicePollInterval: cfg.VoicePollInterval,
	}, story.Deps{
		Generator:   generator,
		LLMProvider: cfg.LLMProvider,
		Synthesizer: chain,
		Events:      a.eventLog,
		Alerts:      discord,
		Metrics:     a.metrics,
		Logger:      logger,
	})

	a.stories = story.NewManager(orchestrator, a.store, logger)
	a.sessions = httpapi.NewSessions(tset.stored)

	a.janitor = jobs.NewJanitor(a.store, logger, cfg.JanitorInterval, cfg.SessionTTL)
	a.janitor.Register("stories", a.stories)
	a.janitor.Register("sessions", a.sessions)

	a.router = httpapi.NewRouter(httpapi.RouterConfig{
		JWTSecret:   cfg.JWTSecret,
		JWTExpiry:   cfg.JWTExpiry,
		DebugAPIKey: cfg.DebugAPIKey,
		Env:         envReport(cfg),
		Probes:      tset.probes,
		Providers:   chain.Names(),
	}, httpapi.Deps{
		Logger:   logger,
		Store:    a.store,
		Events:   a.eventLog,
		Stories:  a.stories,
		Sessions: a.sessions,
		Resolver: tset.resolver,
		Metrics:  a.metrics,
	})

	return a, nil
}

func newGenerator(cfg Config, httpClient *http.Client) (llm.StoryGenerator, error) {
	switch cfg.LLMProvider {
	case "gemini":
		return llm.NewGeminiClient(llm.GeminiConfig{
			APIKey:     cfg.GeminiAPIKey,
			Model:      cfg.GeminiModel,
			HTTPClient: httpClient,
		}), nil
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.OpenAIModel,
			HTTPClient: httpClient,
		}), nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q (want gemini or openai)", cfg.LLMProvider)
	}
}

// newProviders builds every known TTS client. Unconfigured clients are
// still built; they answer with a ConfigurationError naming what is missing.
func newProviders(cfg Config, tuning *tts.Tuning, httpClient *http.Client) map[string]provider {
	eleven := tuning.ElevenLabs
	if cfg.ElevenLabsStability >= 0 {
		eleven.Stability = cfg.ElevenLabsStability
	}
	if cfg.ElevenLabsSimilarity >= 0 {
		eleven.Similarity = cfg.ElevenLabsSimilarity
	}

	return map[string]provider{
		"minimax": {
			client: tts.NewMiniMaxClient(tts.MiniMaxConfig{
				APIKey:         cfg.MiniMaxAPIKey,
				GroupID:        cfg.MiniMaxGroupID,
				BaseURL:        cfg.MiniMaxBaseURL,
				DefaultVoiceID: cfg.MiniMaxVoiceID,
				SampleRate:     cfg.AudioSampleRate,
				Tuning:         tuning.MiniMax,
				HTTPClient:     httpClient,
			}),
			configured: cfg.MiniMaxAPIKey != "" && cfg.MiniMaxGroupID != "",
			storedID:   cfg.MiniMaxVoiceID,
		},
		"fishaudio": {
			client: tts.NewFishAudioClient(tts.FishAudioConfig{
				APIKey:      cfg.FishAudioAPIKey,
				ReferenceID: cfg.FishAudioReferenceID,
				SampleRate:  cfg.AudioSampleRate,
				Tuning:      tuning.FishAudio,
				HTTPClient:  httpClient,
			}),
			configured: cfg.FishAudioAPIKey != "",
			storedID:   cfg.FishAudioReferenceID,
		},
		"elevenlabs": {
			client: tts.NewElevenLabsClient(tts.ElevenLabsConfig{
				APIKey:     cfg.ElevenLabsAPIKey,
				VoiceID:    cfg.ElevenLabsVoiceID,
				ModelID:    eleven.Model,
				Stability:  eleven.Stability,
				Similarity: eleven.Similarity,
				SampleRate: cfg.AudioSampleRate,
				HTTPClient: httpClient,
			}),
			configured: cfg.ElevenLabsAPIKey != "",
			storedID:   cfg.ElevenLabsVoiceID,
		},
		"gradio": {
			client: tts.NewGradioClient(tts.GradioConfig{
				SpaceURL:   cfg.GradioSpaceURL,
				Token:      cfg.HFToken,
				Tuning:     tuning.Gradio,
				HTTPClient: httpClient,
			}),
			configured: cfg.GradioSpaceURL != "",
		},
	}
}

// envReport lists the settings shown by the diagnostics endpoint.
func envReport(cfg Config) []httpapi.EnvVar {
	return []httpapi.EnvVar{
		{Name: "DATABASE_URL", Value: cfg.DatabaseURL, Secret: true},
		{Name: "SENTRY_DSN", Value: cfg.SentryDSN, Secret: true},
		{Name: "JWT_SECRET", Value: cfg.JWTSecret, Secret: true},
		{Name: "DISCORD_WEBHOOK_URL", Value: cfg.DiscordWebhookURL, Secret: true},
		{Name: "LLM_PROVIDER", Value: cfg.LLMProvider},
		{Name: "GEMINI_API_KEY", Value: cfg.GeminiAPIKey, Secret: true},
		{Name: "GEMINI_MODEL", Value: cfg.GeminiModel},
		{Name: "OPENAI_API_KEY", Value: cfg.OpenAIAPIKey, Secret: true},
		{Name: "OPENAI_MODEL", Value: cfg.OpenAIModel},
		{Name: "MINIMAX_API_KEY", Value: cfg.MiniMaxAPIKey, Secret: true},
		{Name: "MINIMAX_GROUP_ID", Value: cfg.MiniMaxGroupID, Secret: true},
		{Name: "MINIMAX_VOICE_ID", Value: cfg.MiniMaxVoiceID},
		{Name: "MINIMAX_BASE_URL", Value: cfg.MiniMaxBaseURL},
		{Name: "FISH_AUDIO_API_KEY", Value: cfg.FishAudioAPIKey, Secret: true},
		{Name: "FISH_AUDIO_REFERENCE_ID", Value: cfg.FishAudioReferenceID},
		{Name: "ELEVENLABS_API_KEY", Value: cfg.ElevenLabsAPIKey, Secret: true},
		{Name: "ELEVENLABS_VOICE_ID", Value: cfg.ElevenLabsVoiceID},
		{Name: "GRADIO_SPACE_URL", Value: cfg.GradioSpaceURL},
		{Name: "HF_TOKEN", Value: cfg.HFToken, Secret: true},
		{Name: "TTS_CONFIG_FILE", Value: cfg.TTSConfigFile},
	}
}

// ttsSet is the chain assembled from the configured order.
type ttsSet struct {
	providers []tts.Provider
	probes    map[string]httpapi.Prober
	resolver  voice.Resolver
	stored    voice.Identifier
}

// assembleTTS walks order and picks the chain members, the clone resolver
// and the stored voice. The first configured provider that can clone voices
// resolves recorded samples; without one, samples are used as recorded. The
// stored voice comes from the first provider in order that has a voice id.
func assembleTTS(order []string, providers map[string]provider, ratePerMin int, logger *log.Logger) ttsSet {
	set := ttsSet{
		probes:   make(map[string]httpapi.Prober),
		resolver: voice.LocalResolver{},
		stored:   voice.PendingID,
	}
	resolverSet := false

	for _, name := range order {
		p, ok := providers[name]
		if !ok {
			logger.Printf("app: unknown TTS provider %q in chain, ignoring", name)
			continue
		}
		if !p.configured {
			logger.Printf("app: TTS provider %s is not configured", name)
		}

		client := p.client
		if ratePerMin > 0 {
			client = tts.RateLimited(client, rate.Limit(float64(ratePerMin)/60), 1)
		}
		set.providers = append(set.providers, client)

		if !p.configured {
			continue
		}
		if prober, ok := p.client.(httpapi.Prober); ok {
			set.probes[name] = prober
		}
		if r, ok := p.client.(voice.Resolver); ok && !resolverSet {
			set.resolver, resolverSet = r, true
		}
		if p.storedID != "" && set.stored.IsPending() {
			set.stored = voice.DurableID(name, p.storedID)
		}
	}
	return set
}

func (a *App) Router() http.Handler {
	return a.router
}

// Start launches background jobs.
func (a *App) Start() {
	a.janitor.Start()
}

// Shutdown drains running stories, then stops background jobs and flushes
// metrics. Stories still running when ctx expires are cancelled.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Printf("app: draining %d running stories", a.stories.Registry().ActiveCount())
	drainErr := a.stories.Shutdown(ctx)
	a.janitor.Stop()
	return errors.Join(drainErr, a.metrics.Shutdown(context.WithoutCancel(ctx)))
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
