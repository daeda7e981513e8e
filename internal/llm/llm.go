package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrOverloaded marks a transient failure of the text model (rate limit,
// overload, temporary unavailability). Callers may retry.
var ErrOverloaded = errors.New("language model overloaded")

// Story is a generated story.
type Story struct {
	Title   string
	Content string
	Usage   Usage
}

// Usage reports token counts for cost estimation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StoryGenerator defines the interface for text-generation providers.
type StoryGenerator interface {
	// GenerateStory writes a story for the user's idea.
	GenerateStory(ctx context.Context, prompt string) (*Story, error)
}

// IsOverloaded reports whether err is a transient model failure.
func IsOverloaded(err error) bool {
	return errors.Is(err, ErrOverloaded)
}

// APIError is a non-success response from a model API.
type APIError struct {
	Provider   string
	StatusCode int
	Status     string // provider status, e.g. RESOURCE_EXHAUSTED
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s API error: %d %s - %s", e.Provider, e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("%s API error: %d - %s", e.Provider, e.StatusCode, e.Message)
}

// Unwrap makes overload responses match ErrOverloaded.
func (e *APIError) Unwrap() error {
	if e.overloaded() {
		return ErrOverloaded
	}
	return nil
}

func (e *APIError) overloaded() bool {
	switch e.Status {
	case "RESOURCE_EXHAUSTED", "UNAVAILABLE", "DEADLINE_EXCEEDED":
		return true
	}
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
