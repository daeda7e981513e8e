// Package story turns a prompt into a narrated story: text generation,
// voice readiness, chunked synthesis through the provider chain and final
// audio assembly.
package story

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lukasbauer/storyteller/internal/audio"
	"github.com/lukasbauer/storyteller/internal/chunker"
	"github.com/lukasbauer/storyteller/internal/costs"
	"github.com/lukasbauer/storyteller/internal/llm"
	"github.com/lukasbauer/storyteller/internal/tts"
)

// Status is the state of a story run.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusGeneratingText  Status = "generating-text"
	StatusGeneratingAudio Status = "generating-audio"
	StatusReady           Status = "ready"
	StatusError           Status = "error"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

var (
	// ErrVoicePending means the voice identifier did not resolve in time.
	ErrVoicePending = errors.New("voice still preparing")
	// ErrVoiceFailed means the last voice resolution failed and nothing is
	// resolving it now.
	ErrVoiceFailed = errors.New("voice resolution failed")
	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// Progress describes where audio generation is.
type Progress struct {
	Current       int    `json:"current"` // 1-based chunk index
	Total         int    `json:"total"`
	Provider      string `json:"provider,omitempty"`
	Stage         string `json:"stage,omitempty"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

// State is a snapshot of one story run. Audio is only set when Status is
// StatusReady.
type State struct {
	ID        string           `json:"id"`
	Prompt    string           `json:"prompt"`
	Status    Status           `json:"status"`
	Title     string           `json:"title,omitempty"`
	Content   string           `json:"content,omitempty"`
	Audio     *audio.Clip      `json:"-"`
	Error     string           `json:"error,omitempty"`
	Progress  *Progress        `json:"progress,omitempty"`
	Chunks    int              `json:"chunks,omitempty"`
	Fallbacks int              `json:"fallbacks,omitempty"`
	Costs     costs.StoryCosts `json:"costs"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Config holds the orchestrator's bounds.
type Config struct {
	MaxChars          int           // chunk budget in characters
	TextAttempts      int           // total text generation calls, first included
	TextBackoff       time.Duration // delay before the first retry; doubles after
	VoicePollAttempts int           // polls of a pending voice before giving up
	VoicePollInterval time.Duration
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		MaxChars:          chunker.DefaultMaxChars,
		TextAttempts:      3,
		TextBackoff:       time.Second,
		VoicePollAttempts: 40,
		VoicePollInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxChars <= 0 {
		c.MaxChars = d.MaxChars
	}
	if c.TextAttempts <= 0 {
		c.TextAttempts = d.TextAttempts
	}
	if c.TextBackoff <= 0 {
		c.TextBackoff = d.TextBackoff
	}
	if c.VoicePollAttempts < 0 {
		c.VoicePollAttempts = 0
	}
	if c.VoicePollInterval <= 0 {
		c.VoicePollInterval = d.VoicePollInterval
	}
	return c
}

// Messages shown to the listener. Raw errors only go to logs.
const (
	msgVoicePending  = "Tu voz se está preparando. Por favor, espera unos segundos e intenta de nuevo."
	msgVoiceFailed   = "No pudimos preparar tu voz. Por favor, graba una nueva muestra."
	msgOverloaded    = "El escritor de cuentos está muy ocupado. Inténtalo de nuevo en un momento."
	msgTextFailed    = "No pudimos escribir el cuento."
	msgNarration     = "No pudimos narrar el cuento. Todos los narradores fallaron, inténtalo más tarde."
	msgNarrationLost = "La narración falló."
	msgNoAudio       = "El cuento no tiene texto para narrar."
	msgCancelled     = "La creación del cuento se canceló."
	msgEmptyPrompt   = "Cuéntanos de qué quieres que trate el cuento."
	msgGeneric       = "La magia tuvo un pequeño tropiezo."
)

// UserMessage maps a pipeline error to the message shown to the listener.
// Configuration errors name the missing settings so they can be fixed.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var chainErr *tts.ChainError
	if errors.As(err, &chainErr) {
		if chainErr.OnlyConfiguration() {
			return configurationMessage(err)
		}
		return msgNarration
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return msgCancelled
	case errors.Is(err, ErrEmptyPrompt):
		return msgEmptyPrompt
	case errors.Is(err, ErrVoicePending):
		return msgVoicePending
	case tts.IsConfigurationError(err):
		return configurationMessage(err)
	case errors.Is(err, ErrVoiceFailed):
		return msgVoiceFailed
	case llm.IsOverloaded(err):
		return msgOverloaded
	case errors.Is(err, audio.ErrNoAudio):
		return msgNoAudio
	case errors.Is(err, audio.ErrDecode), errors.Is(err, audio.ErrFormatMismatch):
		return msgNarrationLost
	case errors.Is(err, tts.ErrNoProviders):
		return msgNarration
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return msgTextFailed
	}
	return msgGeneric
}

// configurationMessage collects every missing setting named in err.
func configurationMessage(err error) string {
	var missing []string
	seen := make(map[string]bool)
	walk(err, func(e error) {
		var ce *tts.ConfigurationError
		if errors.As(e, &ce) {
			for _, m := range ce.Missing {
				if !seen[m] {
					seen[m] = true
					missing = append(missing, m)
				}
			}
		}
	})
	if len(missing) == 0 {
		return msgGeneric
	}
	return fmt.Sprintf("Falta configurar %s. Añádelo a la configuración del servidor y vuelve a intentarlo.", strings.Join(missing, ", "))
}

// walk calls fn for err and, for multi-errors, for each wrapped error.
func walk(err error, fn func(error)) {
	if err == nil {
		return
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range multi.Unwrap() {
			walk(e, fn)
		}
		return
	}
	if inner := errors.Unwrap(err); inner != nil {
		walk(inner, fn)
		return
	}
	fn(err)
}
