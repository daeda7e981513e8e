package tts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lukasbauer/storyteller/internal/audio"
)

// ErrNoProviders is returned by a chain with nothing to try.
var ErrNoProviders = errors.New("no tts providers configured")

// Attempt records one provider call made by a Chain.
type Attempt struct {
	Provider string
	Index    int // position in the chain, 0 is primary
	Err      error
	Duration time.Duration
}

// Result is a chunk synthesized by a Chain.
type Result struct {
	Clip     audio.Clip
	Provider string
	Fallback bool // true when a provider other than the first answered
}

// ChainError is returned when every provider in a chain failed for the same
// chunk. It unwraps to every attempt's error.
type ChainError struct {
	Attempts []error
}

func (e *ChainError) Error() string {
	msgs := make([]string, len(e.Attempts))
	for i, err := range e.Attempts {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d tts providers failed: %s", len(e.Attempts), strings.Join(msgs, "; "))
}

func (e *ChainError) Unwrap() []error { return e.Attempts }

// OnlyConfiguration reports whether every attempt failed for missing
// configuration.
func (e *ChainError) OnlyConfiguration() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, err := range e.Attempts {
		if !IsConfigurationError(err) {
			return false
		}
	}
	return true
}

// Chain tries providers in priority order for each chunk; the first
// success wins.
type Chain struct {
	providers []Provider
	logger    *log.Logger
	onAttempt func(Attempt)
}

// NewChain creates a chain over providers, highest priority first.
func NewChain(logger *log.Logger, providers ...Provider) *Chain {
	return &Chain{providers: providers, logger: logger}
}

// OnAttempt registers fn to observe every provider call.
func (c *Chain) OnAttempt(fn func(Attempt)) {
	c.onAttempt = fn
}

// Names returns the provider names in priority order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Synthesize runs req through the chain. Providers are called one at a
// time; a failure of any kind moves on to the next provider for the same
// chunk. Cancellation of ctx stops the chain immediately.
func (c *Chain) Synthesize(ctx context.Context, req Request, onProgress ProgressFunc) (Result, error) {
	if len(c.providers) == 0 {
		return Result{}, ErrNoProviders
	}

	var attempts []error
	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		start := time.Now()
		clip, err := p.Synthesize(ctx, req, onProgress)
		if c.onAttempt != nil {
			c.onAttempt(Attempt{Provider: p.Name(), Index: i, Err: err, Duration: time.Since(start)})
		}
		if err == nil {
			return Result{Clip: clip, Provider: p.Name(), Fallback: i > 0}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		attempts = append(attempts, fmt.Errorf("%s: %w", p.Name(), err))
		if c.logger != nil {
			if IsConfigurationError(err) {
				c.logger.Printf("tts: skipping %s: %v", p.Name(), err)
			} else {
				c.logger.Printf("tts: %s failed (transient=%v): %v", p.Name(), IsTransient(err), err)
			}
		}
	}
	return Result{}, &ChainError{Attempts: attempts}
}

// rateLimited delays calls so a provider is not asked more often than its
// quota allows.
type rateLimited struct {
	Provider
	limiter *rate.Limiter
}

// RateLimited wraps p so calls wait for a token from a limiter allowing
// limit calls per second with the given burst.
func RateLimited(p Provider, limit rate.Limit, burst int) Provider {
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{Provider: p, limiter: rate.NewLimiter(limit, burst)}
}

func (r *rateLimited) Synthesize(ctx context.Context, req Request, onProgress ProgressFunc) (audio.Clip, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return audio.Clip{}, ctx.Err()
		}
		return audio.Clip{}, &ProviderError{Provider: r.Name(), Message: "rate limit: " + err.Error(), Transient: true}
	}
	return r.Provider.Synthesize(ctx, req, onProgress)
}
