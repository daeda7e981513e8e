package story

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/storyteller/internal/audio"
	"github.com/lukasbauer/storyteller/internal/chunker"
	"github.com/lukasbauer/storyteller/internal/costs"
	"github.com/lukasbauer/storyteller/internal/eventlog"
	"github.com/lukasbauer/storyteller/internal/llm"
	"github.com/lukasbauer/storyteller/internal/notifications"
	"github.com/lukasbauer/storyteller/internal/telemetry"
	"github.com/lukasbauer/storyteller/internal/tts"
	"github.com/lukasbauer/storyteller/internal/voice"
)

// Synthesizer produces audio for one chunk. *tts.Chain implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request, onProgress tts.ProgressFunc) (tts.Result, error)
}

// Deps are the orchestrator's collaborators. Generator and Synthesizer are
// required; the rest may be nil.
type Deps struct {
	Generator   llm.StoryGenerator
	LLMProvider string // name used for cost estimation
	Synthesizer Synthesizer
	Events      *eventlog.Logger
	Alerts      *notifications.Discord
	Metrics     *telemetry.Metrics
	Logger      *log.Logger
}

// Orchestrator runs the story state machine. It holds no per-story state
// and may run any number of stories concurrently; each run is sequential.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &Orchestrator{cfg: cfg.withDefaults(), deps: deps, now: time.Now}
}

// run is the mutable state of a single Run call.
type run struct {
	o        *Orchestrator
	state    State
	onUpdate func(State)
	usage    costs.StoryMetrics
}

// Run drives one story from prompt to final audio. onUpdate receives a
// snapshot after every transition and progress report; it is called from
// the calling goroutine. The returned state is terminal.
func (o *Orchestrator) Run(ctx context.Context, id, prompt string, profile *voice.Profile, onUpdate func(State)) State {
	now := o.now()
	r := &run{
		o: o,
		state: State{
			ID:        id,
			Prompt:    prompt,
			Status:    StatusIdle,
			CreatedAt: now,
			UpdatedAt: now,
		},
		onUpdate: onUpdate,
		usage:    costs.StoryMetrics{LLMProvider: o.deps.LLMProvider},
	}

	o.deps.Events.LogAsync(id, eventlog.EventStoryStarted, map[string]any{
		"prompt_length": utf8.RuneCountInString(prompt),
	})

	if err := r.execute(ctx, prompt, profile); err != nil {
		r.fail(ctx, err)
	}
	o.deps.Metrics.RecordStory(ctx, string(r.state.Status), o.now().Sub(now))
	return r.state
}

func (r *run) execute(ctx context.Context, prompt string, profile *voice.Profile) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}

	r.transition(StatusGeneratingText)
	story, err := r.generateText(ctx, prompt)
	if err != nil {
		return err
	}
	r.usage.LLMInputTokens = story.Usage.PromptTokens
	r.usage.LLMOutputTokens = story.Usage.CompletionTokens
	r.state.Title = story.Title
	r.state.Content = story.Content
	r.transition(StatusGeneratingAudio)

	id, err := r.waitForVoice(ctx, profile)
	if err != nil {
		return err
	}

	clips, err := r.synthesize(ctx, story.Content, tts.VoiceRef{Sample: profile.Sample(), ID: id})
	if err != nil {
		return err
	}

	final, err := audio.Concatenate(clips)
	if err != nil {
		return fmt.Errorf("assemble audio: %w", err)
	}
	r.o.deps.Events.LogAsync(r.state.ID, eventlog.EventAudioAssembled, map[string]any{
		"clips": len(clips),
		"bytes": len(final.Data),
	})

	r.state.Audio = &final
	r.state.Progress = nil
	r.state.Costs = costs.CalculateStoryCosts(r.usage)
	r.transition(StatusReady)
	r.o.deps.Logger.Printf("story: %s ready (%d chunks, %d fallbacks, %d bytes)", r.state.ID, r.state.Chunks, r.state.Fallbacks, len(final.Data))
	r.o.deps.Events.LogAsync(r.state.ID, eventlog.EventStoryReady, map[string]any{
		"chunks":     r.state.Chunks,
		"fallbacks":  r.state.Fallbacks,
		"cost_cents": r.state.Costs.TotalCostCents,
	})
	return nil
}

// generateText calls the text model, retrying overload errors with
// exponential backoff up to TextAttempts calls in total.
func (r *run) generateText(ctx context.Context, prompt string) (*llm.Story, error) {
	o := r.o
	attempt := 0
	op := func() (*llm.Story, error) {
		attempt++
		story, err := o.deps.Generator.GenerateStory(ctx, prompt)
		o.deps.Metrics.RecordTextAttempt(ctx, err)
		if err != nil {
			o.deps.Events.LogAsync(r.state.ID, eventlog.EventTextAttempt, map[string]any{
				"attempt":    attempt,
				"error":      err.Error(),
				"overloaded": llm.IsOverloaded(err),
			})
			if !llm.IsOverloaded(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return story, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.TextBackoff
	b.Multiplier = 2

	story, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.cfg.TextAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.deps.Logger.Printf("story: %s text attempt %d failed, retrying in %v: %v", r.state.ID, attempt, next, err)
		}),
	)
	if err != nil {
		o.deps.Events.LogAsync(r.state.ID, eventlog.EventTextError, map[string]any{
			"attempts": attempt,
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("generate text: %w", err)
	}

	o.deps.Events.LogAsync(r.state.ID, eventlog.EventTextCompleted, map[string]any{
		"attempts":       attempt,
		"content_length": utf8.RuneCountInString(story.Content),
		"prompt_tokens":  story.Usage.PromptTokens,
		"output_tokens":  story.Usage.CompletionTokens,
	})
	return story, nil
}

// waitForVoice returns the profile's identifier, waiting up to
// VoicePollAttempts intervals while it is pending. A resolution wakes the
// wait early.
func (r *run) waitForVoice(ctx context.Context, profile *voice.Profile) (voice.Identifier, error) {
	if profile == nil {
		return voice.PendingID, ErrVoicePending
	}

	cfg := r.o.cfg
	for attempt := 0; ; attempt++ {
		id := profile.Identifier()
		if !id.IsPending() {
			return id, nil
		}
		if err := profile.Err(); err != nil {
			return voice.PendingID, fmt.Errorf("%w: %w", ErrVoiceFailed, err)
		}
		if attempt >= cfg.VoicePollAttempts {
			r.o.deps.Events.LogAsync(r.state.ID, eventlog.EventVoicePending, map[string]any{
				"attempts": attempt,
			})
			return voice.PendingID, ErrVoicePending
		}
		if attempt == 0 {
			r.o.deps.Events.LogAsync(r.state.ID, eventlog.EventVoiceWaiting, nil)
		}

		timer := time.NewTimer(cfg.VoicePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return voice.PendingID, ctx.Err()
		case <-profile.Resolved():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// synthesize narrates content chunk by chunk, one provider call at a time.
// Any chunk the whole chain fails on aborts the story.
func (r *run) synthesize(ctx context.Context, content string, ref tts.VoiceRef) ([]audio.Clip, error) {
	o := r.o
	chunks := chunker.Split(content, o.cfg.MaxChars)
	total := len(chunks)
	r.state.Chunks = total

	clips := make([]audio.Clip, 0, total)
	for i, text := range chunks {
		current := i + 1
		r.setProgress(Progress{Current: current, Total: total})
		o.deps.Events.LogAsync(r.state.ID, eventlog.EventChunkStarted, map[string]any{
			"chunk":  current,
			"total":  total,
			"length": utf8.RuneCountInString(text),
		})

		onProgress := func(p tts.Progress) {
			r.setProgress(Progress{
				Current:       current,
				Total:         total,
				Provider:      p.Provider,
				Stage:         p.Stage.String(),
				QueuePosition: p.QueuePosition,
			})
		}

		res, err := o.deps.Synthesizer.Synthesize(ctx, tts.Request{Text: text, Voice: ref}, onProgress)
		if err != nil {
			r.chunkFailed(ctx, current, total, err)
			return nil, fmt.Errorf("chunk %d/%d: %w", current, total, err)
		}

		clips = append(clips, res.Clip)
		r.usage.AddTTS(res.Provider, utf8.RuneCountInString(text))
		o.deps.Metrics.RecordChunk(ctx, res.Provider, res.Fallback)
		if res.Fallback {
			r.state.Fallbacks++
			o.deps.Logger.Printf("story: %s chunk %d/%d served by fallback %s", r.state.ID, current, total, res.Provider)
			o.deps.Events.LogAsync(r.state.ID, eventlog.EventTTSFallback, map[string]any{
				"chunk":    current,
				"provider": res.Provider,
			})
		}
		o.deps.Events.LogAsync(r.state.ID, eventlog.EventChunkCompleted, map[string]any{
			"chunk":    current,
			"provider": res.Provider,
			"bytes":    len(res.Clip.Data),
		})
		r.setProgress(Progress{Current: current, Total: total, Provider: res.Provider, Stage: tts.StageDone.String()})
	}
	return clips, nil
}

func (r *run) chunkFailed(ctx context.Context, current, total int, err error) {
	var chainErr *tts.ChainError
	if !errors.As(err, &chainErr) {
		return
	}
	if chainErr.OnlyConfiguration() {
		var ce *tts.ConfigurationError
		if errors.As(err, &ce) {
			r.o.deps.Alerts.NotifyConfigurationMissing(ctx, ce.Provider, ce.Missing)
		}
		return
	}
	attempts := make([]string, len(chainErr.Attempts))
	for i, a := range chainErr.Attempts {
		attempts[i] = a.Error()
	}
	r.o.deps.Alerts.NotifyProvidersExhausted(ctx, r.state.ID, current, total, attempts)
}

// fail moves the run to StatusError. Partial audio is never exposed.
func (r *run) fail(ctx context.Context, err error) {
	o := r.o
	from := r.state.Status
	o.deps.Logger.Printf("story: %s failed during %s: %v", r.state.ID, from, err)

	eventType := eventlog.EventStoryFailed
	if errors.Is(err, context.Canceled) {
		eventType = eventlog.EventStoryCancelled
	} else if !errors.Is(err, ErrVoicePending) && !errors.Is(err, ErrEmptyPrompt) {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("story_id", r.state.ID)
			scope.SetTag("story_status", string(from))
			scope.SetExtra("chunks", r.state.Chunks)
			sentry.CaptureException(err)
		})
	}
	o.deps.Events.LogAsync(r.state.ID, eventType, map[string]any{
		"from":  string(from),
		"error": err.Error(),
	})

	r.state.Audio = nil
	r.state.Progress = nil
	r.state.Error = UserMessage(err)
	r.state.Costs = costs.CalculateStoryCosts(r.usage)
	r.transition(StatusError)
}

func (r *run) transition(s Status) {
	r.state.Status = s
	r.publish()
}

func (r *run) setProgress(p Progress) {
	r.state.Progress = &p
	r.publish()
}

func (r *run) publish() {
	r.state.UpdatedAt = r.o.now()
	if r.onUpdate != nil {
		r.onUpdate(r.state)
	}
}
