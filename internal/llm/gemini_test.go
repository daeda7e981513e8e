package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGeminiGenerateStory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-test:generateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "g-key" {
			t.Errorf("x-goog-api-key = %q", got)
		}
		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.GenerationConfig.Temperature != 0.8 {
			t.Errorf("temperature = %v", req.GenerationConfig.Temperature)
		}
		fmt.Fprint(w, `{
			"candidates": [{"content": {"parts": [
				{"text": "Título: La Aventura del Unicornio Verde\n"},
				{"text": "Contenido: Había una vez un unicornio. Era verde."}
			]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 80, "candidatesTokenCount": 400}
		}`)
	}))
	defer srv.Close()

	client := NewGeminiClient(GeminiConfig{APIKey: "g-key", Model: "gemini-test", BaseURL: srv.URL})
	story, err := client.GenerateStory(context.Background(), "a green unicorn")
	if err != nil {
		t.Fatalf("GenerateStory: %v", err)
	}
	if story.Title != "La Aventura del Unicornio Verde" {
		t.Errorf("Title = %q", story.Title)
	}
	if story.Content != "Había una vez un unicornio. Era verde." {
		t.Errorf("Content = %q", story.Content)
	}
	if story.Usage.PromptTokens != 80 || story.Usage.CompletionTokens != 400 {
		t.Errorf("Usage = %+v", story.Usage)
	}
}

func TestGeminiErrors(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		body           string
		wantOverloaded bool
		wantStatus     string
	}{
		{
			name:           "resource exhausted",
			status:         http.StatusTooManyRequests,
			body:           `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`,
			wantOverloaded: true,
			wantStatus:     "RESOURCE_EXHAUSTED",
		},
		{
			name:           "unavailable",
			status:         http.StatusServiceUnavailable,
			body:           `{"error":{"code":503,"message":"The model is overloaded.","status":"UNAVAILABLE"}}`,
			wantOverloaded: true,
			wantStatus:     "UNAVAILABLE",
		},
		{
			name:           "invalid argument",
			status:         http.StatusBadRequest,
			body:           `{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`,
			wantOverloaded: false,
			wantStatus:     "INVALID_ARGUMENT",
		},
		{
			name:           "permission denied",
			status:         http.StatusForbidden,
			body:           `not json`,
			wantOverloaded: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			client := NewGeminiClient(GeminiConfig{APIKey: "k", BaseURL: srv.URL})
			_, err := client.GenerateStory(context.Background(), "idea")

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", apiErr.Status, tt.wantStatus)
			}
			if IsOverloaded(err) != tt.wantOverloaded {
				t.Errorf("IsOverloaded = %v, want %v", IsOverloaded(err), tt.wantOverloaded)
			}
		})
	}
}

func TestGeminiEmptyCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`)
	}))
	defer srv.Close()

	client := NewGeminiClient(GeminiConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := client.GenerateStory(context.Background(), "idea")
	if err == nil || IsOverloaded(err) {
		t.Errorf("error = %v, want permanent failure", err)
	}
}

func TestGeminiMissingKey(t *testing.T) {
	_, err := NewGeminiClient(GeminiConfig{}).GenerateStory(context.Background(), "idea")
	if err == nil || IsOverloaded(err) {
		t.Errorf("error = %v, want permanent failure", err)
	}
}
