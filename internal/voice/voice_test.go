package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewSampleCopiesData(t *testing.T) {
	data := []byte{1, 2, 3}
	s, err := NewSample(data, "audio/webm", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("NewSample: %v", err)
	}
	data[0] = 9
	if s.Data[0] != 1 {
		t.Error("sample shares memory with caller buffer")
	}

	if _, err := NewSample(nil, "audio/webm", time.Now()); !errors.Is(err, ErrEmptySample) {
		t.Errorf("empty sample error = %v, want ErrEmptySample", err)
	}
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		id      Identifier
		pending bool
		str     string
	}{
		{PendingID, true, "pending"},
		{LocalID(), false, "local"},
		{DurableID("minimax", "file-1"), false, "minimax:file-1"},
	}
	for _, tt := range tests {
		if got := tt.id.IsPending(); got != tt.pending {
			t.Errorf("%v.IsPending() = %v, want %v", tt.id, got, tt.pending)
		}
		if got := tt.id.String(); got != tt.str {
			t.Errorf("String() = %q, want %q", got, tt.str)
		}
	}

	id := DurableID("fishaudio", "ref")
	if !id.IssuedBy("fishaudio") || id.IssuedBy("minimax") {
		t.Error("IssuedBy does not match the issuing provider")
	}
	if LocalID().IssuedBy("") {
		t.Error("local identifier reported as durable")
	}
}

func TestProfileResolveIsWriteOnce(t *testing.T) {
	p := NewProfile(&Sample{Data: []byte{1}})

	select {
	case <-p.Resolved():
		t.Fatal("pending profile reported resolved")
	default:
	}

	if err := p.Resolve(DurableID("minimax", "a")); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if err := p.Resolve(DurableID("minimax", "b")); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Resolve error = %v, want ErrAlreadyResolved", err)
	}
	if got := p.Identifier().Value; got != "a" {
		t.Errorf("identifier = %q, want first value", got)
	}
	if err := p.Reset(nil); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Reset after resolve error = %v, want ErrAlreadyResolved", err)
	}

	select {
	case <-p.Resolved():
	default:
		t.Error("Resolved channel not closed")
	}
}

func TestProfileConcurrentReaders(t *testing.T) {
	p := NewProfile(&Sample{Data: []byte{1}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-p.Resolved()
			if p.Identifier().IsPending() {
				t.Error("reader saw pending after Resolved fired")
			}
		}()
	}
	_ = p.Resolve(LocalID())
	wg.Wait()
}

type resolverFunc func(ctx context.Context, s Sample) (Identifier, error)

func (f resolverFunc) CreateProfile(ctx context.Context, s Sample) (Identifier, error) {
	return f(ctx, s)
}

func TestResolve(t *testing.T) {
	errConfig := errors.New("missing key")
	errUpstream := errors.New("upstream 500")
	keep := func(err error) bool { return errors.Is(err, errConfig) }

	tests := []struct {
		name       string
		resolver   Resolver
		wantErr    error
		wantSample bool
		wantKind   Kind
	}{
		{
			name:       "local",
			resolver:   LocalResolver{},
			wantSample: true,
			wantKind:   Local,
		},
		{
			name: "durable",
			resolver: resolverFunc(func(context.Context, Sample) (Identifier, error) {
				return DurableID("minimax", "file-9"), nil
			}),
			wantSample: true,
			wantKind:   Durable,
		},
		{
			name: "configuration error keeps sample",
			resolver: resolverFunc(func(context.Context, Sample) (Identifier, error) {
				return PendingID, errConfig
			}),
			wantErr:    errConfig,
			wantSample: true,
			wantKind:   Pending,
		},
		{
			name: "other error drops sample",
			resolver: resolverFunc(func(context.Context, Sample) (Identifier, error) {
				return PendingID, errUpstream
			}),
			wantErr:    errUpstream,
			wantSample: false,
			wantKind:   Pending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProfile(&Sample{Data: []byte("voice"), MIMEType: "audio/webm"})
			_, err := Resolve(context.Background(), p, tt.resolver, keep)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Resolve error = %v, want %v", err, tt.wantErr)
			}
			if got := p.Sample() != nil; got != tt.wantSample {
				t.Errorf("sample kept = %v, want %v", got, tt.wantSample)
			}
			if got := p.Identifier().Kind; got != tt.wantKind {
				t.Errorf("kind = %v, want %v", got, tt.wantKind)
			}
			if tt.wantErr != nil && p.Err() == nil {
				t.Error("failure message not recorded")
			}
		})
	}
}

func TestResolveWithoutSample(t *testing.T) {
	p := NewProfile(nil)
	if _, err := Resolve(context.Background(), p, LocalResolver{}, nil); !errors.Is(err, ErrEmptySample) {
		t.Errorf("error = %v, want ErrEmptySample", err)
	}
}

func TestNewResolvedProfile(t *testing.T) {
	p := NewResolvedProfile(DurableID("elevenlabs", "v1"))
	if p.Identifier().IsPending() {
		t.Fatal("stored voice profile is pending")
	}
	if p.Sample() != nil {
		t.Error("stored voice profile has a sample")
	}
}
