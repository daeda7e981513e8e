package httpapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lukasbauer/storyteller/internal/tts"
	"github.com/lukasbauer/storyteller/internal/voice"
)

// stubResolver returns id or err. When gate is set it blocks until closed.
type stubResolver struct {
	id   voice.Identifier
	err  error
	gate chan struct{}
}

func (s *stubResolver) CreateProfile(ctx context.Context, sample voice.Sample) (voice.Identifier, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return voice.PendingID, ctx.Err()
		}
	}
	if s.err != nil {
		return voice.PendingID, s.err
	}
	return s.id, nil
}

// waitVoice polls GET /api/voice until the status leaves pending.
func waitVoice(t *testing.T, s *testServer, token string) voiceStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := s.do(t, http.MethodGet, "/api/voice", token, nil, "")
		st := decodeJSON[voiceStatus](t, rec)
		if st.Status != "pending" || time.Now().After(deadline) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVoiceStatusOf(t *testing.T) {
	failed := voice.NewProfile(&voice.Sample{Data: []byte{1}})
	failed.Fail(errors.New("upload 500"), false)

	unconfigured := voice.NewProfile(&voice.Sample{Data: []byte{1}})
	unconfigured.Fail(&tts.ConfigurationError{Provider: "minimax", Missing: []string{"MINIMAX_API_KEY"}}, true)

	tests := []struct {
		name       string
		profile    *voice.Profile
		wantStatus string
		wantID     string
		wantError  string
	}{
		{"no profile", nil, "none", "", ""},
		{"pending", voice.NewProfile(&voice.Sample{Data: []byte{1}}), "pending", "", ""},
		{"local", voice.NewResolvedProfile(voice.LocalID()), "ready", "local", ""},
		{"durable", voice.NewResolvedProfile(voice.DurableID("elevenlabs", "v1")), "ready", "elevenlabs:v1", ""},
		{"failed", failed, "error", "", "graba una nueva muestra"},
		{"unconfigured", unconfigured, "error", "", "MINIMAX_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := voiceStatusOf(tt.profile)
			if got.Status != tt.wantStatus || got.ID != tt.wantID {
				t.Errorf("voiceStatusOf() = %+v, want status %q id %q", got, tt.wantStatus, tt.wantID)
			}
			if !strings.Contains(got.Error, tt.wantError) {
				t.Errorf("Error = %q, want it to contain %q", got.Error, tt.wantError)
			}
		})
	}
}

func TestReadSample(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantData    string
		wantMIME    string
		wantErr     bool
	}{
		{"raw body", "audio/webm", "webm-bytes", "webm-bytes", "audio/webm", false},
		{"raw body with params", "audio/webm; codecs=opus", "webm-bytes", "webm-bytes", "audio/webm", false},
		{"json base64", "application/json", `{"audioBase64":"aGVsbG8=","mimeType":"audio/wav"}`, "hello", "audio/wav", false},
		{"json data url", "application/json", `{"audioBase64":"data:audio/mp4;base64,aGVsbG8="}`, "hello", "audio/mp4", false},
		{"json explicit mime wins", "application/json", `{"audioBase64":"data:audio/mp4;base64,aGVsbG8=","mimeType":"audio/m4a"}`, "hello", "audio/m4a", false},
		{"json empty", "application/json", `{"audioBase64":""}`, "", "", false},
		{"bad base64", "application/json", `{"audioBase64":"!!!"}`, "", "", true},
		{"malformed data url", "application/json", `{"audioBase64":"data:audio/mp4;base64"}`, "", "", true},
		{"bad json", "application/json", `{`, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/voice", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)

			data, mimeType, err := readSample(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readSample() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if string(data) != tt.wantData || mimeType != tt.wantMIME {
				t.Errorf("readSample() = %q, %q, want %q, %q", data, mimeType, tt.wantData, tt.wantMIME)
			}
		})
	}
}

func TestUploadVoiceResolvesLocally(t *testing.T) {
	s := newTestServer(t, RouterConfig{}, nil, nil, voice.PendingID)
	token, _ := s.newSession(t)

	rec := s.do(t, http.MethodPost, "/api/voice", token, bytes.NewReader([]byte("sample")), "audio/webm")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if got := waitVoice(t, s, token); got.Status != "ready" || got.ID != "local" {
		t.Errorf("voice = %+v, want ready local", got)
	}
}

func TestUploadVoicePendingThenDurable(t *testing.T) {
	resolver := &stubResolver{id: voice.DurableID("minimax", "file-42"), gate: make(chan struct{})}
	s := newTestServer(t, RouterConfig{}, nil, resolver, voice.PendingID)
	token, _ := s.newSession(t)

	rec := s.do(t, http.MethodPost, "/api/voice", token, strings.NewReader(`{"audioBase64":"aGVsbG8=","mimeType":"audio/wav"}`), "application/json")
	if got := decodeJSON[voiceStatus](t, rec); got.Status != "pending" {
		t.Fatalf("upload response = %+v, want pending", got)
	}

	rec = s.do(t, http.MethodGet, "/api/voice", token, nil, "")
	if got := decodeJSON[voiceStatus](t, rec); got.Status != "pending" {
		t.Errorf("status while resolving = %+v, want pending", got)
	}

	close(resolver.gate)
	if got := waitVoice(t, s, token); got.Status != "ready" || got.ID != "minimax:file-42" {
		t.Errorf("voice = %+v, want ready minimax:file-42", got)
	}
}

func TestUploadVoiceFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantError string
	}{
		{"provider failure", &tts.ProviderError{Provider: "minimax", Code: 2013, Message: "invalid audio"}, "graba una nueva muestra"},
		{"missing configuration", &tts.ConfigurationError{Provider: "minimax", Missing: []string{"MINIMAX_GROUP_ID"}}, "MINIMAX_GROUP_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, RouterConfig{}, nil, &stubResolver{err: tt.err}, voice.PendingID)
			token, _ := s.newSession(t)

			s.do(t, http.MethodPost, "/api/voice", token, strings.NewReader("sample"), "audio/webm")

			got := waitVoice(t, s, token)
			if got.Status != "error" || !strings.Contains(got.Error, tt.wantError) {
				t.Errorf("voice = %+v, want error containing %q", got, tt.wantError)
			}
		})
	}
}

func TestUploadVoiceRejected(t *testing.T) {
	s := newTestServer(t, RouterConfig{MaxSampleBytes: 8}, nil, nil, voice.PendingID)
	token, _ := s.newSession(t)

	tests := []struct {
		name        string
		body        string
		contentType string
		want        int
	}{
		{"empty", "", "audio/webm", http.StatusBadRequest},
		{"too large", "0123456789abcdef", "audio/webm", http.StatusRequestEntityTooLarge},
		{"bad json", "{", "application/json", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/voice", token, strings.NewReader(tt.body), tt.contentType)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
