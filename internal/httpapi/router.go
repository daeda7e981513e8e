package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/storyteller/internal/eventlog"
	"github.com/lukasbauer/storyteller/internal/store"
	"github.com/lukasbauer/storyteller/internal/story"
	"github.com/lukasbauer/storyteller/internal/telemetry"
	"github.com/lukasbauer/storyteller/internal/voice"
)

type RouterConfig struct {
	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Diagnostics endpoint key; empty disables /api/debug/env.
	DebugAPIKey string

	// MaxSampleBytes bounds an uploaded voice sample.
	MaxSampleBytes int64

	// Env lists the settings reported by /api/debug/env.
	Env []EnvVar
	// Probes are live checks run by /api/debug/env?probe=1, keyed by name.
	Probes map[string]Prober
	// Providers is the TTS chain order, for diagnostics.
	Providers []string
}

// Deps are the router's collaborators. Store, Events and Metrics may be nil.
type Deps struct {
	Logger   *log.Logger
	Store    *store.Store
	Events   *eventlog.Logger
	Stories  *story.Manager
	Sessions *Sessions
	Resolver voice.Resolver
	Metrics  *telemetry.Metrics
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	store    *store.Store
	events   *eventlog.Logger
	stories  *story.Manager
	sessions *Sessions
	resolver voice.Resolver
	metrics  *telemetry.Metrics
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, deps Deps) http.Handler {
	if cfg.MaxSampleBytes <= 0 {
		cfg.MaxSampleBytes = 10 << 20
	}
	if cfg.JWTExpiry <= 0 {
		cfg.JWTExpiry = 24 * time.Hour
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = voice.LocalResolver{}
	}

	r := &Router{
		cfg:      cfg,
		logger:   deps.Logger,
		store:    deps.Store,
		events:   deps.Events,
		stories:  deps.Stories,
		sessions: deps.Sessions,
		resolver: resolver,
		metrics:  deps.Metrics,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.Handle("GET /metrics", r.metrics.Handler())

	// Sessions (public)
	r.mux.HandleFunc("POST /api/sessions", r.handleCreateSession)
	r.mux.HandleFunc("DELETE /api/sessions", r.withAuth(r.handleLogout))

	// Voice
	r.mux.HandleFunc("POST /api/voice", r.withAuth(r.handleUploadVoice))
	r.mux.HandleFunc("GET /api/voice", r.withAuth(r.handleGetVoice))

	// Stories
	r.mux.HandleFunc("POST /api/stories", r.withAuth(r.handleCreateStory))
	r.mux.HandleFunc("GET /api/stories", r.withAuth(r.handleListStories))
	r.mux.HandleFunc("GET /api/stories/{id}", r.withAuth(r.handleGetStory))
	r.mux.HandleFunc("GET /api/stories/{id}/audio", r.withAuth(r.handleGetStoryAudio))
	r.mux.HandleFunc("GET /api/stories/{id}/events", r.withAuth(r.handleStoryEvents))

	// Diagnostics (requires X-Debug-Key)
	r.mux.HandleFunc("GET /api/debug/env", r.withDebugKey(r.handleDebugEnv))
	r.mux.HandleFunc("GET /api/debug/stories/{id}/timeline", r.withDebugKey(r.handleDebugTimeline))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz fails while the server drains running stories.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.stories.Registry().IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": msg}. msg is always a listener-facing message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Debug-Key")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
