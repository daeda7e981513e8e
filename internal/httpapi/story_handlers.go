package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/lukasbauer/storyteller/internal/audio"
	"github.com/lukasbauer/storyteller/internal/costs"
	"github.com/lukasbauer/storyteller/internal/store"
	"github.com/lukasbauer/storyteller/internal/story"
)

const (
	msgNoVoice   = "Primero graba tu voz para que podamos narrar el cuento."
	msgDraining  = "El servidor se está reiniciando. Inténtalo de nuevo en un momento."
	msgNotFound  = "No encontramos ese cuento."
	msgLoadError = "No pudimos cargar los cuentos."
)

// maxPromptBytes bounds the story idea.
const maxPromptBytes = 4 << 10

// audioView is the final narration inlined as base64.
type audioView struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// storyView is a story as returned to the client.
type storyView struct {
	story.State
	AudioData *audioView `json:"audio,omitempty"`
	AudioURL  string     `json:"audioUrl,omitempty"`
}

func viewOf(s story.State, inlineAudio bool) storyView {
	v := storyView{State: s}
	if s.Status == story.StatusReady && s.Audio != nil {
		v.AudioURL = "/api/stories/" + s.ID + "/audio"
		if inlineAudio {
			v.AudioData = &audioView{Data: s.Audio.Base64(), MIMEType: s.Audio.MIMEType}
		}
	}
	return v
}

// stateFromRecord rebuilds a finished story loaded from the database.
func stateFromRecord(rec store.Story) story.State {
	s := story.State{
		ID:        rec.ID,
		Prompt:    rec.Prompt,
		Status:    story.Status(rec.Status),
		Chunks:    rec.Chunks,
		Fallbacks: rec.Fallbacks,
		Costs: costs.StoryCosts{
			LLMCostCents:   rec.LLMCostCents,
			TTSCostCents:   rec.TTSCostCents,
			TotalCostCents: rec.TotalCostCents,
		},
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.CreatedAt,
	}
	if rec.CompletedAt != nil {
		s.UpdatedAt = *rec.CompletedAt
	}
	if rec.Title != nil {
		s.Title = *rec.Title
	}
	if rec.Content != nil {
		s.Content = *rec.Content
	}
	if rec.ErrorMessage != nil {
		s.Error = *rec.ErrorMessage
	}
	if len(rec.Audio) > 0 && rec.AudioMIMEType != nil {
		s.Audio = &audio.Clip{Data: rec.Audio, MIMEType: *rec.AudioMIMEType}
	}
	return s
}

// handleCreateStory starts a story for the session's voice.
func (r *Router) handleCreateStory(w http.ResponseWriter, req *http.Request) {
	id := sessionID(req.Context())

	var body struct {
		Prompt string `json:"prompt"`
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxPromptBytes)
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	profile := r.profileFor(req.Context(), id)
	if profile == nil {
		writeError(w, http.StatusConflict, msgNoVoice)
		return
	}

	s, err := r.stories.Start(id, body.Prompt, profile)
	if errors.Is(err, story.ErrDraining) {
		writeError(w, http.StatusServiceUnavailable, msgDraining)
		return
	}
	if err != nil {
		r.logger.Printf("httpapi: failed to start story: %v", err)
		captureError(req, err, "start story")
		writeError(w, http.StatusInternalServerError, story.UserMessage(err))
		return
	}

	writeJSON(w, http.StatusAccepted, viewOf(s, false))
}

// handleListStories returns the session's stories, newest first. Stories
// still in memory win over their persisted copies.
func (r *Router) handleListStories(w http.ResponseWriter, req *http.Request) {
	id := sessionID(req.Context())

	limit := 20
	if l := req.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	live := r.stories.List(id)
	seen := make(map[string]bool, len(live))
	views := make([]storyView, 0, len(live))
	for _, s := range live {
		seen[s.ID] = true
		views = append(views, viewOf(s, false))
	}

	if r.store.Enabled() {
		recs, err := r.store.ListStories(req.Context(), id, limit)
		if err != nil {
			r.logger.Printf("httpapi: failed to list stories: %v", err)
			captureError(req, err, "list stories")
			writeError(w, http.StatusInternalServerError, msgLoadError)
			return
		}
		for _, rec := range recs {
			if !seen[rec.ID] {
				views = append(views, viewOf(stateFromRecord(rec), false))
			}
		}
		sortViews(views)
	}

	if len(views) > limit {
		views = views[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"stories": views})
}

func sortViews(views []storyView) {
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
}

// lookup finds a story in memory, then in the database.
func (r *Router) lookup(req *http.Request, withAudio bool) (story.State, error) {
	id := sessionID(req.Context())
	storyID := req.PathValue("id")

	s, err := r.stories.Get(id, storyID)
	if err == nil {
		return s, nil
	}
	if !r.store.Enabled() {
		return story.State{}, story.ErrNotFound
	}

	rec, err := r.store.GetStory(req.Context(), id, storyID)
	if errors.Is(err, store.ErrNotFound) {
		return story.State{}, story.ErrNotFound
	}
	if err != nil {
		return story.State{}, err
	}
	if withAudio && rec.Status == string(story.StatusReady) {
		data, mimeType, err := r.store.GetStoryAudio(req.Context(), id, storyID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return story.State{}, err
		}
		rec.Audio = data
		rec.AudioMIMEType = &mimeType
	}
	return stateFromRecord(*rec), nil
}

// handleGetStory returns a story snapshot, with the audio inlined once ready.
func (r *Router) handleGetStory(w http.ResponseWriter, req *http.Request) {
	s, err := r.lookup(req, true)
	if errors.Is(err, story.ErrNotFound) {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err != nil {
		r.logger.Printf("httpapi: failed to get story: %v", err)
		captureError(req, err, "get story")
		writeError(w, http.StatusInternalServerError, msgLoadError)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s, true))
}

// handleGetStoryAudio serves the final narration bytes.
func (r *Router) handleGetStoryAudio(w http.ResponseWriter, req *http.Request) {
	s, err := r.lookup(req, true)
	if errors.Is(err, story.ErrNotFound) {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err != nil {
		r.logger.Printf("httpapi: failed to get story audio: %v", err)
		captureError(req, err, "get story audio")
		writeError(w, http.StatusInternalServerError, msgLoadError)
		return
	}
	if s.Status != story.StatusReady || s.Audio == nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}

	w.Header().Set("Content-Type", s.Audio.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(s.Audio.Data)))
	w.Header().Set("Last-Modified", s.UpdatedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.Audio.Data)
}
