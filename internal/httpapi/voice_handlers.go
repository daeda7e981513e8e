package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/storyteller/internal/audio"
	"github.com/lukasbauer/storyteller/internal/store"
	"github.com/lukasbauer/storyteller/internal/story"
	"github.com/lukasbauer/storyteller/internal/tts"
	"github.com/lukasbauer/storyteller/internal/voice"
)

// voiceResolveTimeout bounds one background upload to the voice provider.
const voiceResolveTimeout = 2 * time.Minute

const (
	msgBadSample   = "No pudimos leer la grabación. Inténtalo de nuevo."
	msgEmptySample = "La grabación está vacía. Graba tu voz de nuevo."
)

// voiceStatus is what the client sees of a session's voice.
type voiceStatus struct {
	Status string `json:"status"` // none, pending, ready, error
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func voiceStatusOf(p *voice.Profile) voiceStatus {
	if p == nil {
		return voiceStatus{Status: "none"}
	}
	if id := p.Identifier(); !id.IsPending() {
		return voiceStatus{Status: "ready", ID: id.String()}
	}
	if err := p.Err(); err != nil {
		return voiceStatus{
			Status: "error",
			Error:  story.UserMessage(fmt.Errorf("%w: %w", story.ErrVoiceFailed, err)),
		}
	}
	return voiceStatus{Status: "pending"}
}

// profileFor returns the session's profile. A durable voice persisted by an
// earlier process is restored; local voices need their sample and are not.
func (r *Router) profileFor(ctx context.Context, id string) *voice.Profile {
	if p := r.sessions.Profile(id); p != nil {
		return p
	}
	rec, err := r.store.GetVoiceProfile(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Printf("voice: failed to load profile for %s: %v", id, err)
		}
		return nil
	}
	if rec.Kind != voice.Durable.String() || rec.Provider == nil || rec.ExternalID == nil {
		return nil
	}
	p := voice.NewResolvedProfile(voice.DurableID(*rec.Provider, *rec.ExternalID))
	r.sessions.SetProfile(id, p)
	return p
}

// readSample accepts {audioBase64, mimeType} JSON, with or without a data
// URL prefix, or the raw recording as the body.
func readSample(req *http.Request) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		data, err := io.ReadAll(req.Body)
		return data, mediaType, err
	}

	var body struct {
		AudioBase64 string `json:"audioBase64"`
		MIMEType    string `json:"mimeType"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, "", err
	}

	payload, mimeType := body.AudioBase64, body.MIMEType
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		header, encoded, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", errors.New("malformed data URL")
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(header, ";base64")
		}
		payload = encoded
	}
	if payload == "" {
		return nil, mimeType, nil
	}
	data, err := audio.DecodeBase64(payload)
	return data, mimeType, err
}

// handleUploadVoice stores a new voice sample and resolves it in the
// background.
func (r *Router) handleUploadVoice(w http.ResponseWriter, req *http.Request) {
	id := sessionID(req.Context())
	req.Body = http.MaxBytesReader(w, req.Body, r.cfg.MaxSampleBytes)

	data, mimeType, err := readSample(req)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "La grabación es demasiado larga.")
			return
		}
		writeError(w, http.StatusBadRequest, msgBadSample)
		return
	}

	sample, err := voice.NewSample(data, mimeType, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, msgEmptySample)
		return
	}

	profile := voice.NewProfile(sample)
	r.sessions.SetProfile(id, profile)
	r.saveVoiceProfile(req.Context(), id, profile)

	go r.resolveVoice(id, profile)

	writeJSON(w, http.StatusAccepted, voiceStatusOf(profile))
}

// resolveVoice is the only writer of profile's identifier.
func (r *Router) resolveVoice(sessionID string, profile *voice.Profile) {
	ctx, cancel := context.WithTimeout(context.Background(), voiceResolveTimeout)
	defer cancel()

	start := time.Now()
	id, err := voice.Resolve(ctx, profile, r.resolver, tts.IsConfigurationError)
	r.metrics.RecordVoiceResolution(ctx, id.Kind.String(), err)

	if err != nil && !errors.Is(err, voice.ErrAlreadyResolved) {
		r.logger.Printf("voice: resolution failed for session %s after %v: %v", sessionID, time.Since(start), err)
		if !tts.IsConfigurationError(err) {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("session_id", sessionID)
				sentry.CaptureException(err)
			})
		}
	} else {
		r.logger.Printf("voice: session %s resolved to %s in %v", sessionID, profile.Identifier(), time.Since(start))
	}

	r.saveVoiceProfile(ctx, sessionID, profile)
}

func (r *Router) saveVoiceProfile(ctx context.Context, sessionID string, p *voice.Profile) {
	if !r.store.Enabled() {
		return
	}
	id := p.Identifier()
	rec := store.VoiceProfile{SessionID: sessionID, Kind: id.Kind.String()}
	if id.Kind == voice.Durable {
		rec.Provider = &id.Provider
		rec.ExternalID = &id.Value
	}
	if s := p.Sample(); s != nil {
		hash := s.Hash()
		rec.SampleHash = &hash
	}
	if err := p.Err(); err != nil {
		msg := err.Error()
		rec.LastError = &msg
	}
	if err := r.store.UpsertVoiceProfile(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Printf("voice: failed to persist profile for %s: %v", sessionID, err)
	}
}

// handleGetVoice reports the session's voice status.
func (r *Router) handleGetVoice(w http.ResponseWriter, req *http.Request) {
	p := r.profileFor(req.Context(), sessionID(req.Context()))
	writeJSON(w, http.StatusOK, voiceStatusOf(p))
}
