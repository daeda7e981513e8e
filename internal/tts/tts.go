package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lukasbauer/storyteller/internal/audio"
	"github.com/lukasbauer/storyteller/internal/voice"
)

// Provider defines the interface for text-to-speech providers.
type Provider interface {
	// Name identifies the provider in logs, metrics and durable voice ids.
	Name() string

	// Synthesize converts one chunk of text to speech in the referenced
	// voice. onProgress may be nil.
	Synthesize(ctx context.Context, req Request, onProgress ProgressFunc) (audio.Clip, error)
}

// Request is a single synthesis call.
type Request struct {
	Text  string
	Voice VoiceRef
}

// VoiceRef carries whatever the session knows about the voice: the raw
// sample, a resolved identifier, or both.
type VoiceRef struct {
	Sample *voice.Sample
	ID     voice.Identifier
}

// Stage is a coarse synthesis stage. Stages only move forward.
type Stage int

const (
	StageUploading Stage = iota + 1
	StageQueued
	StageSynthesizing
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageUploading:
		return "uploading"
	case StageQueued:
		return "queued"
	case StageSynthesizing:
		return "synthesizing"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Progress is an intermediate report from a provider.
type Progress struct {
	Provider      string
	Stage         Stage
	QueuePosition int // 0 when unknown or not queued
}

// ProgressFunc receives progress reports.
type ProgressFunc func(Progress)

// progressReporter drops reports that would move a provider backwards.
type progressReporter struct {
	provider string
	fn       ProgressFunc
	stage    Stage
	position int
}

func newProgressReporter(provider string, fn ProgressFunc) *progressReporter {
	return &progressReporter{provider: provider, fn: fn}
}

func (r *progressReporter) report(stage Stage, position int) {
	if r.fn == nil || stage < r.stage {
		return
	}
	// Within the queue, a known position may only shrink.
	if stage == r.stage {
		if stage != StageQueued || position == 0 || (r.position != 0 && position >= r.position) {
			return
		}
	}
	r.stage, r.position = stage, position
	r.fn(Progress{Provider: r.provider, Stage: stage, QueuePosition: position})
}

// ProviderError is a non-success response from a remote TTS service. The raw
// message is for logs only.
type ProviderError struct {
	Provider  string
	Code      int
	Message   string
	Transient bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Provider, e.Code, e.Message)
}

// IsTransient reports whether err is a provider overload or rate limit.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

// ConfigurationError means a provider is missing credentials or ids.
type ConfigurationError struct {
	Provider string
	Missing  []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s is not configured: missing %s", e.Provider, strings.Join(e.Missing, ", "))
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// requireConfig returns a ConfigurationError naming every empty setting.
// pairs alternates setting name and value.
func requireConfig(provider string, pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &ConfigurationError{Provider: provider, Missing: missing}
}

// ErrNoVoice is returned when a request carries neither a usable identifier
// nor a sample.
var ErrNoVoice = errors.New("no voice reference")

const (
	maxErrorBody = 4 << 10
	// maxAudioBytes bounds a single provider response.
	maxAudioBytes = 32 << 20
	// voiceCacheSize bounds per-client caches of uploaded voices.
	voiceCacheSize = 256
)

// statusError turns a non-2xx response into a ProviderError. 408, 429 and
// 5xx are transient.
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ProviderError{
		Provider:  provider,
		Code:      resp.StatusCode,
		Message:   fmt.Sprintf("%s - %s", resp.Status, strings.TrimSpace(string(body))),
		Transient: transientStatus(resp.StatusCode),
	}
}

func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// transportError wraps a failed round trip. Network failures are transient
// unless the caller's context ended.
func transportError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ProviderError{Provider: provider, Message: err.Error(), Transient: true}
}
