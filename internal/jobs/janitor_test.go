package jobs

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

type fakePruner struct {
	cutoffs []time.Time
	n       int
}

func (f *fakePruner) Prune(cutoff time.Time) int {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n
}

type fakeSessions struct {
	enabled bool
	err     error
	cutoffs []time.Time
}

func (f *fakeSessions) Enabled() bool { return f.enabled }

func (f *fakeSessions) DeleteExpiredSessions(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1, f.err
}

func TestJanitorSweep(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := 6 * time.Hour

	tests := []struct {
		name         string
		sessions     *fakeSessions
		wantSessions int
	}{
		{"no database", nil, 0},
		{"database disabled", &fakeSessions{}, 0},
		{"database enabled", &fakeSessions{enabled: true}, 1},
		{"delete fails", &fakeSessions{enabled: true, err: errors.New("conn reset")}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sessions SessionStore
			if tt.sessions != nil {
				sessions = tt.sessions
			}
			j := NewJanitor(sessions, log.New(io.Discard, "", 0), time.Minute, ttl)
			j.now = func() time.Time { return now }

			stories := &fakePruner{n: 2}
			profiles := &fakePruner{}
			j.Register("stories", stories)
			j.Register("voice profiles", profiles)

			j.sweep(context.Background())

			for name, p := range map[string]*fakePruner{"stories": stories, "voice profiles": profiles} {
				if len(p.cutoffs) != 1 || !p.cutoffs[0].Equal(now.Add(-ttl)) {
					t.Errorf("%s cutoffs = %v, want [%v]", name, p.cutoffs, now.Add(-ttl))
				}
			}

			if tt.sessions == nil {
				return
			}
			if len(tt.sessions.cutoffs) != tt.wantSessions {
				t.Fatalf("DeleteExpiredSessions calls = %d, want %d", len(tt.sessions.cutoffs), tt.wantSessions)
			}
			if tt.wantSessions > 0 && !tt.sessions.cutoffs[0].Equal(now) {
				t.Errorf("session cutoff = %v, want %v", tt.sessions.cutoffs[0], now)
			}
		})
	}
}

func TestJanitorDefaults(t *testing.T) {
	j := NewJanitor(nil, log.New(io.Discard, "", 0), 0, 0)
	if j.interval != 10*time.Minute {
		t.Errorf("interval = %v, want 10m", j.interval)
	}
	if j.ttl != 24*time.Hour {
		t.Errorf("ttl = %v, want 24h", j.ttl)
	}
}

func TestJanitorStartStop(t *testing.T) {
	j := NewJanitor(nil, log.New(io.Discard, "", 0), time.Millisecond, time.Hour)
	p := &fakePruner{}
	j.Register("stories", p)

	j.Start()
	time.Sleep(20 * time.Millisecond)
	j.Stop()

	if len(p.cutoffs) == 0 {
		t.Error("expected at least one sweep while running")
	}
}
