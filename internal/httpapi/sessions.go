package httpapi

import (
	"sync"
	"time"

	"github.com/lukasbauer/storyteller/internal/voice"
)

// Sessions holds each listener session's voice profile in memory.
type Sessions struct {
	stored voice.Identifier
	now    func() time.Time

	mu   sync.Mutex
	byID map[string]*sessionEntry
}

type sessionEntry struct {
	profile  *voice.Profile
	lastSeen time.Time
}

// NewSessions creates an empty registry. When stored is not pending (stored
// voice mode), every new session starts with that identifier and needs no
// recording.
func NewSessions(stored voice.Identifier) *Sessions {
	return &Sessions{
		stored: stored,
		now:    time.Now,
		byID:   make(map[string]*sessionEntry),
	}
}

// StoredVoice reports whether sessions start with a configured voice.
func (s *Sessions) StoredVoice() bool {
	return !s.stored.IsPending()
}

// Open registers a new session and returns its starting profile, which is
// nil unless a stored voice is configured.
func (s *Sessions) Open(id string) *voice.Profile {
	var p *voice.Profile
	if s.StoredVoice() {
		p = voice.NewResolvedProfile(s.stored)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = &sessionEntry{profile: p, lastSeen: s.now()}
	return p
}

// Profile returns the session's current profile, or nil. A session unknown
// to this process (e.g. after a restart) gets the stored voice if any.
func (s *Sessions) Profile(id string) *voice.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		e = &sessionEntry{}
		if s.StoredVoice() {
			e.profile = voice.NewResolvedProfile(s.stored)
		}
		s.byID[id] = e
	}
	e.lastSeen = s.now()
	return e.profile
}

// SetProfile replaces the session's profile. Stories already running keep
// the profile they started with.
func (s *Sessions) SetProfile(id string, p *voice.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = &sessionEntry{profile: p, lastSeen: s.now()}
}

// Close forgets a session.
func (s *Sessions) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// Prune forgets sessions not seen since cutoff.
func (s *Sessions) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.byID {
		if e.lastSeen.Before(cutoff) {
			delete(s.byID, id)
			n++
		}
	}
	return n
}
