package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// Pruner forgets in-memory entries last touched before cutoff.
type Pruner interface {
	Prune(cutoff time.Time) int
}

// SessionStore deletes expired session rows.
type SessionStore interface {
	Enabled() bool
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor periodically drops finished stories and idle voice profiles from
// memory and expired sessions from the database.
type Janitor struct {
	pruners  map[string]Pruner
	sessions SessionStore
	logger   *log.Logger
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewJanitor creates a janitor. Entries older than ttl are removed every
// interval. sessions may be nil.
func NewJanitor(sessions SessionStore, logger *log.Logger, interval, ttl time.Duration) *Janitor {
	if interval == 0 {
		interval = 10 * time.Minute
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Janitor{
		pruners:  make(map[string]Pruner),
		sessions: sessions,
		logger:   logger,
		interval: interval,
		ttl:      ttl,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Register adds an in-memory set to prune. Call before Start.
func (j *Janitor) Register(name string, p Pruner) {
	j.pruners[name] = p
}

// Start begins the background job.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("Janitor: started (interval=%v, ttl=%v)", j.interval, j.ttl)
}

// Stop gracefully stops the background job.
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("Janitor: stopped")
}

func (j *Janitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(context.Background())
		case <-j.stopCh:
			return
		}
	}
}

// sweep runs one cleanup pass.
func (j *Janitor) sweep(ctx context.Context) {
	cutoff := j.now().Add(-j.ttl)

	for name, p := range j.pruners {
		if n := p.Prune(cutoff); n > 0 {
			j.logger.Printf("Janitor: pruned %d %s", n, name)
		}
	}

	if j.sessions == nil || !j.sessions.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := j.sessions.DeleteExpiredSessions(ctx, j.now())
	if err != nil {
		j.logger.Printf("Janitor: failed to delete expired sessions: %v", err)
		return
	}
	if n > 0 {
		j.logger.Printf("Janitor: deleted %d expired sessions", n)
	}
}
