package story

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/storyteller/internal/store"
	"github.com/lukasbauer/storyteller/internal/voice"
)

// ErrDraining is returned by Start while the server shuts down.
var ErrDraining = errors.New("server is shutting down")

// ErrNotFound is returned for unknown stories.
var ErrNotFound = errors.New("story not found")

// Runner runs one story. *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, id, prompt string, profile *voice.Profile, onUpdate func(State)) State
}

// Manager owns the in-memory story states of all sessions, starts runs in
// the background, fans updates out to subscribers and persists finished
// stories.
type Manager struct {
	runner   Runner
	store    *store.Store
	logger   *log.Logger
	registry *Registry

	// Detached from request contexts; cancelled only by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stories map[string]*entry
}

type entry struct {
	sessionID string
	state     State
	subs      map[chan State]struct{}
	done      chan struct{}
}

// NewManager creates a manager. st may be nil.
func NewManager(runner Runner, st *store.Store, logger *log.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:   runner,
		store:    st,
		logger:   logger,
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		stories:  make(map[string]*entry),
	}
}

// Registry exposes the run registry for readiness checks.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start launches a story run for the session and returns its initial state.
func (m *Manager) Start(sessionID, prompt string, profile *voice.Profile) (State, error) {
	if !m.registry.Add() {
		return State{}, ErrDraining
	}

	now := time.Now()
	e := &entry{
		sessionID: sessionID,
		state: State{
			ID:        uuid.NewString(),
			Prompt:    prompt,
			Status:    StatusIdle,
			CreatedAt: now,
			UpdatedAt: now,
		},
		subs: make(map[chan State]struct{}),
		done: make(chan struct{}),
	}

	initial := e.state

	m.mu.Lock()
	m.stories[initial.ID] = e
	m.mu.Unlock()

	go func() {
		defer m.registry.Done()
		final := m.runner.Run(m.ctx, initial.ID, prompt, profile, func(s State) {
			m.update(e, s)
		})
		m.update(e, final)
		m.finish(e)
	}()

	return initial, nil
}

// update stores s and sends it to every subscriber. A subscriber that is
// behind only misses intermediate snapshots; the latest one replaces the
// buffered one.
func (m *Manager) update(e *entry, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.state = s
	for ch := range e.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

func (m *Manager) finish(e *entry) {
	m.mu.Lock()
	final := e.state
	for ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	close(e.done)
	m.mu.Unlock()

	m.persist(e.sessionID, final)
}

func (m *Manager) persist(sessionID string, s State) {
	if !m.store.Enabled() {
		return
	}
	rec := store.Story{
		ID:             s.ID,
		SessionID:      sessionID,
		Prompt:         s.Prompt,
		Status:         string(s.Status),
		Chunks:         s.Chunks,
		Fallbacks:      s.Fallbacks,
		LLMCostCents:   s.Costs.LLMCostCents,
		TTSCostCents:   s.Costs.TTSCostCents,
		TotalCostCents: s.Costs.TotalCostCents,
		CreatedAt:      s.CreatedAt,
		CompletedAt:    &s.UpdatedAt,
	}
	if s.Title != "" {
		rec.Title = &s.Title
	}
	if s.Content != "" {
		rec.Content = &s.Content
	}
	if s.Error != "" {
		rec.ErrorMessage = &s.Error
	}
	if s.Audio != nil {
		rec.Audio = s.Audio.Data
		rec.AudioMIMEType = &s.Audio.MIMEType
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SaveStory(ctx, rec); err != nil {
		m.logger.Printf("story: failed to persist %s: %v", s.ID, err)
	}
}

// Get returns the latest state of a session's story.
func (m *Manager) Get(sessionID, id string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.stories[id]
	if !ok || e.sessionID != sessionID {
		return State{}, ErrNotFound
	}
	return e.state, nil
}

// List returns a session's stories in memory, newest first.
func (m *Manager) List(sessionID string) []State {
	m.mu.RLock()
	var out []State
	for _, e := range m.stories {
		if e.sessionID == sessionID {
			out = append(out, e.state)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Subscribe returns a channel carrying state snapshots of a story, starting
// with the current one. The channel is closed after the terminal state.
// cancel stops the subscription early.
func (m *Manager) Subscribe(sessionID, id string) (<-chan State, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.stories[id]
	if !ok || e.sessionID != sessionID {
		return nil, nil, ErrNotFound
	}

	ch := make(chan State, 1)
	ch <- e.state
	if e.subs == nil {
		// Already finished.
		close(ch)
		return ch, func() {}, nil
	}
	e.subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := e.subs[ch]; ok {
				delete(e.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

// Done returns a channel closed when the story reaches a terminal state.
func (m *Manager) Done(sessionID, id string) (<-chan struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.stories[id]
	if !ok || e.sessionID != sessionID {
		return nil, ErrNotFound
	}
	return e.done, nil
}

// Prune forgets finished stories last updated before cutoff and returns how
// many were dropped. Persisted stories remain in the store.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.stories {
		if e.state.Status.Terminal() && e.state.UpdatedAt.Before(cutoff) {
			delete(m.stories, id)
			n++
		}
	}
	return n
}

// Shutdown stops accepting stories and waits for running ones. When ctx
// expires first, running stories are cancelled and awaited.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.registry.StartDraining()

	done := make(chan struct{})
	go func() {
		m.registry.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.logger.Printf("story: cancelling %d running stories", m.registry.ActiveCount())
		m.cancel()
		<-done
		return ctx.Err()
	}
}
