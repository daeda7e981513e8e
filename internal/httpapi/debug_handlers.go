package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/storyteller/internal/eventlog"
)

// probeTimeout bounds all live provider checks of one request.
const probeTimeout = 20 * time.Second

// EnvVar is one setting reported by the diagnostics endpoint.
type EnvVar struct {
	Name   string
	Value  string
	Secret bool
}

// Prober is a live credential check, implemented by the TTS clients.
type Prober interface {
	Probe(ctx context.Context) error
}

type envReport struct {
	Name    string `json:"name"`
	Set     bool   `json:"set"`
	Preview string `json:"preview,omitempty"`
}

// withDebugKey requires the X-Debug-Key header. Without a configured key
// the endpoint does not exist.
func (r *Router) withDebugKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.DebugAPIKey == "" {
			http.NotFound(w, req)
			return
		}
		key := req.Header.Get("X-Debug-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(r.cfg.DebugAPIKey)) != 1 {
			http.Error(w, `{"error": "invalid debug key"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// maskSecret keeps just enough of a credential to tell two apart.
func maskSecret(v string) string {
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "****" + v[len(v)-2:]
}

// handleDebugEnv reports which settings are present and, with ?probe=1,
// checks every configured provider against its API.
func (r *Router) handleDebugEnv(w http.ResponseWriter, req *http.Request) {
	env := make([]envReport, 0, len(r.cfg.Env))
	for _, v := range r.cfg.Env {
		rep := envReport{Name: v.Name, Set: v.Value != ""}
		if rep.Set {
			rep.Preview = v.Value
			if v.Secret {
				rep.Preview = maskSecret(v.Value)
			}
		}
		env = append(env, rep)
	}

	resp := map[string]any{
		"env":         env,
		"providers":   r.cfg.Providers,
		"storedVoice": r.sessions.StoredVoice(),
		"database":    r.store.Enabled(),
	}

	if req.URL.Query().Get("probe") == "1" {
		resp["probes"] = r.runProbes(req.Context())
	}

	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) runProbes(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	names := make([]string, 0, len(r.cfg.Probes))
	for name := range r.cfg.Probes {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := r.cfg.Probes[name].Probe(ctx); err != nil {
			r.logger.Printf("debug: probe %s failed: %v", name, err)
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	return results
}

// handleDebugTimeline returns the recorded steps of any story, for
// investigating failed narrations.
func (r *Router) handleDebugTimeline(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "story not found")
		return
	}
	if !r.events.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "event log requires DATABASE_URL")
		return
	}

	events, err := r.events.Timeline(req.Context(), id, 0)
	if err != nil {
		r.logger.Printf("debug: timeline %s: %v", id, err)
		captureError(req, err, "load timeline")
		writeError(w, http.StatusInternalServerError, "failed to load timeline")
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "events": events})
}
