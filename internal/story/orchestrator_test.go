package story

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/storyteller/internal/audio"
	"github.com/lukasbauer/storyteller/internal/chunker"
	"github.com/lukasbauer/storyteller/internal/llm"
	"github.com/lukasbauer/storyteller/internal/tts"
	"github.com/lukasbauer/storyteller/internal/voice"
)

const (
	unicornTitle   = "La Aventura del Unicornio Verde"
	framesPerChunk = 240
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// unicornStory returns eight 112-character sentences, 903 characters in
// total, which split into four chunks of two sentences at 250 characters.
func unicornStory() string {
	sentences := make([]string, 8)
	for i := range sentences {
		sentences[i] = strings.Repeat(string(rune('a'+i)), 111) + "."
	}
	return strings.Join(sentences, " ")
}

// fakeGenerator returns errs in order, then story.
type fakeGenerator struct {
	mu    sync.Mutex
	errs  []error
	story *llm.Story
	calls int
}

func (g *fakeGenerator) GenerateStory(_ context.Context, _ string) (*llm.Story, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	return g.story, nil
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func unicornGenerator() *fakeGenerator {
	return &fakeGenerator{story: &llm.Story{
		Title:   unicornTitle,
		Content: unicornStory(),
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 300},
	}}
}

// scriptedProvider returns a one-tone WAV clip per chunk whose sample value
// is derived from the chunk's first letter. fail decides per call whether
// to fail instead.
type scriptedProvider struct {
	name     string
	fail     func(call int) error
	progress []tts.Progress

	mu    sync.Mutex
	calls []tts.Request
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Synthesize(_ context.Context, req tts.Request, onProgress tts.ProgressFunc) (audio.Clip, error) {
	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if onProgress != nil {
		for _, pr := range p.progress {
			onProgress(pr)
		}
	}
	if p.fail != nil {
		if err := p.fail(n); err != nil {
			return audio.Clip{}, err
		}
	}
	return toneClip(toneFor(req.Text)), nil
}

func (p *scriptedProvider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Request(nil), p.calls...)
}

func toneFor(text string) int16 {
	return int16(text[0]) * 100
}

func toneClip(v int16) audio.Clip {
	pcm := make([]byte, framesPerChunk*2)
	for i := 0; i < framesPerChunk; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return audio.Clip{Data: audio.WrapPCM16Mono(pcm, 24000), MIMEType: audio.MIMEWAV}
}

func failOn(calls ...int) func(int) error {
	return func(call int) error {
		for _, c := range calls {
			if c == call {
				return &tts.ProviderError{Provider: "stub", Code: 503, Message: "overloaded", Transient: true}
			}
		}
		return nil
	}
}

func failAlways(call int) error {
	return &tts.ProviderError{Provider: "stub", Code: 500, Message: "boom", Transient: true}
}

func testConfig() Config {
	return Config{
		MaxChars:          250,
		TextAttempts:      3,
		TextBackoff:       time.Millisecond,
		VoicePollAttempts: 3,
		VoicePollInterval: time.Millisecond,
	}
}

func newTestOrchestrator(cfg Config, gen llm.StoryGenerator, providers ...tts.Provider) *Orchestrator {
	return NewOrchestrator(cfg, Deps{
		Generator:   gen,
		LLMProvider: "gemini",
		Synthesizer: tts.NewChain(testLogger(), providers...),
		Logger:      testLogger(),
	})
}

func localProfile(t *testing.T) *voice.Profile {
	t.Helper()
	sample, err := voice.NewSample([]byte("RIFF-sample"), "audio/webm", time.Now())
	if err != nil {
		t.Fatalf("NewSample: %v", err)
	}
	p := voice.NewProfile(sample)
	if err := p.Resolve(voice.LocalID()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return p
}

// recorder collects every published snapshot.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, s := range r.states {
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

func equalStatuses(a, b []Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunFallbackOnLastChunk(t *testing.T) {
	chunks := chunker.Split(unicornStory(), 250)
	if len(chunks) != 4 {
		t.Fatalf("story splits into %d chunks, want 4", len(chunks))
	}

	primary := &scriptedProvider{name: "minimax", fail: failOn(3)}
	fallback := &scriptedProvider{name: "fishaudio"}
	o := newTestOrchestrator(testConfig(), unicornGenerator(), primary, fallback)

	var rec recorder
	final := o.Run(context.Background(), "story-1", "a green unicorn", localProfile(t), rec.record)

	if final.Status != StatusReady {
		t.Fatalf("Status = %s (error %q), want ready", final.Status, final.Error)
	}
	if final.Title != unicornTitle {
		t.Errorf("Title = %q", final.Title)
	}
	if final.Chunks != 4 || final.Fallbacks != 1 {
		t.Errorf("Chunks = %d, Fallbacks = %d; want 4, 1", final.Chunks, final.Fallbacks)
	}

	if got := len(primary.Requests()); got != 4 {
		t.Errorf("primary calls = %d, want 4", got)
	}
	fb := fallback.Requests()
	if len(fb) != 1 || fb[0].Text != chunks[3] {
		t.Errorf("fallback should be called once with chunk 4, got %d calls", len(fb))
	}

	if final.Audio == nil || final.Audio.MIMEType != audio.MIMEWAV {
		t.Fatalf("Audio = %+v, want a WAV clip", final.Audio)
	}
	dec := audio.NewDecoder()
	defer dec.Close()
	buf, err := dec.Decode(*final.Audio)
	if err != nil {
		t.Fatalf("decode final audio: %v", err)
	}
	if buf.Frames() != 4*framesPerChunk {
		t.Fatalf("Frames = %d, want %d", buf.Frames(), 4*framesPerChunk)
	}
	for i, chunk := range chunks {
		got := audio.Quantize(buf.Samples[0][i*framesPerChunk])
		if want := toneFor(chunk); got != want {
			t.Errorf("segment %d sample = %d, want %d", i+1, got, want)
		}
	}

	want := []Status{StatusGeneratingText, StatusGeneratingAudio, StatusReady}
	if got := rec.statuses(); !equalStatuses(got, want) {
		t.Errorf("status sequence = %v, want %v", got, want)
	}

	// minimax 675 chars at 6c/1K + fishaudio 225 chars at 1.5c/1K
	if final.Costs.TTSCostCents != 4 {
		t.Errorf("TTSCostCents = %d, want 4", final.Costs.TTSCostCents)
	}
}

func TestRunChainExhausted(t *testing.T) {
	primary := &scriptedProvider{name: "minimax", fail: failAlways}
	fallback := &scriptedProvider{name: "fishaudio", fail: failOn(1)}
	o := newTestOrchestrator(testConfig(), unicornGenerator(), primary, fallback)

	var rec recorder
	final := o.Run(context.Background(), "story-2", "a green unicorn", localProfile(t), rec.record)

	if final.Status != StatusError {
		t.Fatalf("Status = %s, want error", final.Status)
	}
	if final.Audio != nil {
		t.Error("no audio may be exposed after a failure")
	}
	if final.Error != msgNarration {
		t.Errorf("Error = %q, want %q", final.Error, msgNarration)
	}
	if got := len(primary.Requests()); got != 2 {
		t.Errorf("primary calls = %d, want 2", got)
	}
	if got := len(fallback.Requests()); got != 2 {
		t.Errorf("fallback calls = %d, want 2", got)
	}
	for _, s := range rec.states {
		if s.Audio != nil {
			t.Fatalf("snapshot in %s carried audio", s.Status)
		}
	}
}

func TestRunVoiceStillPending(t *testing.T) {
	sample, _ := voice.NewSample([]byte("sample"), "audio/webm", time.Now())
	profile := voice.NewProfile(sample)

	primary := &scriptedProvider{name: "minimax"}
	gen := unicornGenerator()
	o := newTestOrchestrator(testConfig(), gen, primary)

	var rec recorder
	final := o.Run(context.Background(), "story-3", "a green unicorn", profile, rec.record)

	if final.Status != StatusError || final.Error != msgVoicePending {
		t.Fatalf("final = %s %q, want error %q", final.Status, final.Error, msgVoicePending)
	}
	if got := len(primary.Requests()); got != 0 {
		t.Errorf("provider calls = %d, want none", got)
	}
	if final.Title != unicornTitle {
		t.Errorf("text should still be shown, Title = %q", final.Title)
	}
	want := []Status{StatusGeneratingText, StatusGeneratingAudio, StatusError}
	if got := rec.statuses(); !equalStatuses(got, want) {
		t.Errorf("status sequence = %v, want %v", got, want)
	}
}

func TestRunVoiceResolvesWhileWaiting(t *testing.T) {
	sample, _ := voice.NewSample([]byte("sample"), "audio/webm", time.Now())
	profile := voice.NewProfile(sample)

	cfg := testConfig()
	cfg.VoicePollAttempts = 1000
	cfg.VoicePollInterval = 50 * time.Millisecond

	primary := &scriptedProvider{name: "minimax"}
	o := newTestOrchestrator(cfg, unicornGenerator(), primary)

	go func() {
		time.Sleep(10 * time.Millisecond)
		profile.Resolve(voice.DurableID("minimax", "file-9"))
	}()

	final := o.Run(context.Background(), "story-4", "a green unicorn", profile, nil)
	if final.Status != StatusReady {
		t.Fatalf("Status = %s (%q), want ready", final.Status, final.Error)
	}
	for _, req := range primary.Requests() {
		if req.Voice.ID != voice.DurableID("minimax", "file-9") {
			t.Fatalf("request voice = %v", req.Voice.ID)
		}
	}
}

func TestRunVoiceResolutionFailed(t *testing.T) {
	sample, _ := voice.NewSample([]byte("sample"), "audio/webm", time.Now())
	profile := voice.NewProfile(sample)
	profile.Fail(&tts.ConfigurationError{Provider: "minimax", Missing: []string{"MINIMAX_API_KEY"}}, true)

	cfg := testConfig()
	cfg.VoicePollAttempts = 1000
	cfg.VoicePollInterval = time.Second

	primary := &scriptedProvider{name: "minimax"}
	o := newTestOrchestrator(cfg, unicornGenerator(), primary)

	start := time.Now()
	final := o.Run(context.Background(), "story-5", "a green unicorn", profile, nil)

	if final.Status != StatusError {
		t.Fatalf("Status = %s, want error", final.Status)
	}
	if !strings.Contains(final.Error, "MINIMAX_API_KEY") {
		t.Errorf("Error = %q, want the missing setting named", final.Error)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("a failed resolution should not be polled")
	}
	if len(primary.Requests()) != 0 {
		t.Error("no synthesis expected")
	}
}

func TestRunStoredVoice(t *testing.T) {
	stored := voice.DurableID("minimax", "moss_audio_123")
	profile := voice.NewResolvedProfile(stored)

	primary := &scriptedProvider{name: "minimax"}
	o := newTestOrchestrator(testConfig(), unicornGenerator(), primary)

	final := o.Run(context.Background(), "story-6", "a green unicorn", profile, nil)
	if final.Status != StatusReady {
		t.Fatalf("Status = %s (%q), want ready", final.Status, final.Error)
	}

	reqs := primary.Requests()
	if len(reqs) != 4 {
		t.Fatalf("calls = %d, want 4", len(reqs))
	}
	for i, req := range reqs {
		if req.Voice.ID != stored || req.Voice.Sample != nil {
			t.Errorf("chunk %d voice = %+v, want stored id only", i+1, req.Voice)
		}
	}
}

func TestRunTextRetry(t *testing.T) {
	overloaded := &llm.APIError{Provider: "Gemini", StatusCode: 503, Status: "UNAVAILABLE"}
	invalid := &llm.APIError{Provider: "Gemini", StatusCode: 400, Status: "INVALID_ARGUMENT"}

	tests := []struct {
		name       string
		errs       []error
		wantStatus Status
		wantCalls  int
		wantError  string
	}{
		{
			name:       "recovers after two overloads",
			errs:       []error{overloaded, overloaded},
			wantStatus: StatusReady,
			wantCalls:  3,
		},
		{
			name:       "gives up after three overloads",
			errs:       []error{overloaded, overloaded, overloaded},
			wantStatus: StatusError,
			wantCalls:  3,
			wantError:  msgOverloaded,
		},
		{
			name:       "permanent error is not retried",
			errs:       []error{invalid},
			wantStatus: StatusError,
			wantCalls:  1,
			wantError:  msgTextFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := unicornGenerator()
			gen.errs = tt.errs
			primary := &scriptedProvider{name: "minimax"}
			o := newTestOrchestrator(testConfig(), gen, primary)

			final := o.Run(context.Background(), "story-t", "idea", localProfile(t), nil)
			if final.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", final.Status, tt.wantStatus)
			}
			if gen.Calls() != tt.wantCalls {
				t.Errorf("generator calls = %d, want %d", gen.Calls(), tt.wantCalls)
			}
			if final.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", final.Error, tt.wantError)
			}
			if tt.wantStatus == StatusError && len(primary.Requests()) != 0 {
				t.Error("no synthesis expected after a text failure")
			}
		})
	}
}

func TestRunProviderProgress(t *testing.T) {
	primary := &scriptedProvider{
		name: "gradio",
		progress: []tts.Progress{
			{Provider: "gradio", Stage: tts.StageQueued, QueuePosition: 3},
			{Provider: "gradio", Stage: tts.StageSynthesizing},
		},
	}
	o := newTestOrchestrator(testConfig(), unicornGenerator(), primary)

	var rec recorder
	final := o.Run(context.Background(), "story-p", "idea", localProfile(t), rec.record)
	if final.Status != StatusReady {
		t.Fatalf("Status = %s (%q)", final.Status, final.Error)
	}
	if final.Progress != nil {
		t.Error("ready state should not carry progress")
	}

	var queued, done int
	lastCurrent := 0
	for _, s := range rec.states {
		if s.Progress == nil {
			continue
		}
		if s.Progress.Total != 4 {
			t.Errorf("Total = %d, want 4", s.Progress.Total)
		}
		if s.Progress.Current < lastCurrent {
			t.Errorf("progress went back from %d to %d", lastCurrent, s.Progress.Current)
		}
		lastCurrent = s.Progress.Current
		if s.Progress.QueuePosition == 3 && s.Progress.Stage == "queued" {
			queued++
		}
		if s.Progress.Stage == "done" {
			done++
		}
	}
	if queued != 4 {
		t.Errorf("queued reports = %d, want one per chunk", queued)
	}
	if done != 4 {
		t.Errorf("chunk completions = %d, want 4", done)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &fakeGenerator{errs: []error{context.Canceled}}
	o := newTestOrchestrator(testConfig(), gen, &scriptedProvider{name: "minimax"})

	final := o.Run(ctx, "story-c", "idea", localProfile(t), nil)
	if final.Status != StatusError || final.Error != msgCancelled {
		t.Errorf("final = %s %q, want cancelled error", final.Status, final.Error)
	}
}

func TestRunEmptyPrompt(t *testing.T) {
	gen := unicornGenerator()
	o := newTestOrchestrator(testConfig(), gen, &scriptedProvider{name: "minimax"})

	final := o.Run(context.Background(), "story-e", "   ", localProfile(t), nil)
	if final.Status != StatusError || final.Error != msgEmptyPrompt {
		t.Errorf("final = %s %q", final.Status, final.Error)
	}
	if gen.Calls() != 0 {
		t.Error("generator should not be called for an empty prompt")
	}
}

func TestRunEmptyStory(t *testing.T) {
	gen := &fakeGenerator{story: &llm.Story{Title: "Vacío", Content: "   "}}
	primary := &scriptedProvider{name: "minimax"}
	o := newTestOrchestrator(testConfig(), gen, primary)

	final := o.Run(context.Background(), "story-n", "idea", localProfile(t), nil)
	if final.Status != StatusError || final.Error != msgNoAudio {
		t.Errorf("final = %s %q, want %q", final.Status, final.Error, msgNoAudio)
	}
	if len(primary.Requests()) != 0 {
		t.Error("nothing to synthesize")
	}
}

func TestRunSingleChunkKeepsProviderClip(t *testing.T) {
	gen := &fakeGenerator{story: &llm.Story{Title: "Corto", Content: "Había una vez un gato."}}
	primary := &scriptedProvider{name: "minimax"}
	o := newTestOrchestrator(testConfig(), gen, primary)

	final := o.Run(context.Background(), "story-s", "idea", localProfile(t), nil)
	if final.Status != StatusReady {
		t.Fatalf("Status = %s (%q)", final.Status, final.Error)
	}
	want := toneClip(toneFor("Había"))
	if string(final.Audio.Data) != string(want.Data) {
		t.Error("a single clip should be returned unchanged")
	}
}

func TestRunMissingVoiceProfile(t *testing.T) {
	o := newTestOrchestrator(testConfig(), unicornGenerator(), &scriptedProvider{name: "minimax"})
	final := o.Run(context.Background(), "story-m", "idea", nil, nil)
	if final.Status != StatusError || final.Error != msgVoicePending {
		t.Errorf("final = %s %q", final.Status, final.Error)
	}
}
