package voice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrEmptySample is returned when a sample carries no audio.
var ErrEmptySample = errors.New("voice sample is empty")

// ErrAlreadyResolved is returned by Resolve and Reset once the profile has
// left the pending state.
var ErrAlreadyResolved = errors.New("voice profile already resolved")

// Sample is a recorded voice reference. Treat it as immutable once created.
type Sample struct {
	Data      []byte
	MIMEType  string
	CreatedAt time.Time
}

// NewSample copies data into a new sample.
func NewSample(data []byte, mimeType string, now time.Time) (*Sample, error) {
	if len(data) == 0 {
		return nil, ErrEmptySample
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Sample{Data: buf, MIMEType: mimeType, CreatedAt: now}, nil
}

// Hash returns a hex SHA-256 of the sample bytes, used as a cache key.
func (s *Sample) Hash() string {
	sum := sha256.Sum256(s.Data)
	return hex.EncodeToString(sum[:])
}

// Kind says what an Identifier stands for.
type Kind int

const (
	// Pending means no identifier has been issued yet.
	Pending Kind = iota
	// Local means synthesize from the raw sample directly.
	Local
	// Durable is a provider-issued voice handle.
	Durable
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Durable:
		return "durable"
	default:
		return "pending"
	}
}

// Identifier is an opaque voice reference.
type Identifier struct {
	Kind     Kind
	Provider string // issuing provider, Durable only
	Value    string // provider voice id, Durable only
}

// PendingID is the zero identifier.
var PendingID = Identifier{}

// LocalID returns the "use the raw sample" identifier.
func LocalID() Identifier {
	return Identifier{Kind: Local}
}

// DurableID returns a provider-issued identifier.
func DurableID(provider, value string) Identifier {
	return Identifier{Kind: Durable, Provider: provider, Value: value}
}

// IsPending reports whether the identifier is still unresolved.
func (id Identifier) IsPending() bool { return id.Kind == Pending }

// IssuedBy reports whether id is a durable handle from provider.
func (id Identifier) IssuedBy(provider string) bool {
	return id.Kind == Durable && id.Provider == provider && id.Value != ""
}

func (id Identifier) String() string {
	if id.Kind == Durable {
		return id.Provider + ":" + id.Value
	}
	return id.Kind.String()
}

// Resolver turns a raw sample into an identifier. Implementations upload the
// sample to a provider, or accept it locally.
type Resolver interface {
	CreateProfile(ctx context.Context, sample Sample) (Identifier, error)
}

// LocalResolver accepts any non-empty sample as a Local identifier.
type LocalResolver struct{}

// CreateProfile implements Resolver.
func (LocalResolver) CreateProfile(_ context.Context, sample Sample) (Identifier, error) {
	if len(sample.Data) == 0 {
		return PendingID, ErrEmptySample
	}
	return LocalID(), nil
}

// Profile is a session's voice: the recorded sample plus its identifier.
//
// The identifier moves once from pending to resolved and never reverts.
// One goroutine resolves it, any number read it.
type Profile struct {
	mu      sync.RWMutex
	sample  *Sample
	id      Identifier
	lastErr error
	changed chan struct{}
}

// NewProfile starts a pending profile for sample. sample may be nil when the
// identifier will come from configuration.
func NewProfile(sample *Sample) *Profile {
	return &Profile{sample: sample, changed: make(chan struct{})}
}

// NewResolvedProfile returns a profile that starts with id, as in stored
// voice mode.
func NewResolvedProfile(id Identifier) *Profile {
	p := NewProfile(nil)
	p.id = id
	close(p.changed)
	return p
}

// Sample returns the recorded sample, or nil.
func (p *Profile) Sample() *Sample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sample
}

// Identifier returns the current identifier.
func (p *Profile) Identifier() Identifier {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

// Err returns the last resolution failure, if any.
func (p *Profile) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Resolved returns a channel closed when the identifier leaves pending.
func (p *Profile) Resolved() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.changed
}

// Resolve sets the identifier. Only the first call takes effect.
func (p *Profile) Resolve(id Identifier) error {
	if id.IsPending() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.id.IsPending() {
		return ErrAlreadyResolved
	}
	p.id = id
	p.lastErr = nil
	close(p.changed)
	return nil
}

// Fail records a resolution failure. When keepSample is false the sample is
// dropped so the user has to record again.
func (p *Profile) Fail(err error, keepSample bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.id.IsPending() {
		return
	}
	p.lastErr = err
	if !keepSample {
		p.sample = nil
	}
}

// Reset replaces the sample of a pending profile.
func (p *Profile) Reset(sample *Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.id.IsPending() {
		return ErrAlreadyResolved
	}
	p.sample = sample
	p.lastErr = nil
	return nil
}

// Resolve runs r on the profile's sample and records the outcome. On
// failure the sample is dropped unless keepSample(err) is true, which
// callers use for configuration errors that re-recording cannot fix.
func Resolve(ctx context.Context, p *Profile, r Resolver, keepSample func(error) bool) (Identifier, error) {
	sample := p.Sample()
	if sample == nil {
		return PendingID, ErrEmptySample
	}
	id, err := r.CreateProfile(ctx, *sample)
	if err != nil {
		p.Fail(err, keepSample != nil && keepSample(err))
		return PendingID, err
	}
	if err := p.Resolve(id); err != nil {
		return p.Identifier(), err
	}
	return id, nil
}
