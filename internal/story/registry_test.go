package story

import (
	"sync"
	"testing"
)

func TestRegistry_AddAndDone(t *testing.T) {
	r := NewRegistry()

	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
	if !r.Add() || !r.Add() {
		t.Fatal("Add() should return true when not draining")
	}
	if r.ActiveCount() != 2 {
		t.Errorf("ActiveCount() = %d, want 2", r.ActiveCount())
	}

	r.Done()
	r.Done()
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after all Done()", r.ActiveCount())
	}
}

func TestRegistry_Draining(t *testing.T) {
	r := NewRegistry()

	if !r.Add() {
		t.Fatal("Add() should succeed before draining")
	}
	r.StartDraining()

	if !r.IsDraining() {
		t.Error("IsDraining() should be true after StartDraining()")
	}
	if r.Add() {
		t.Error("Add() should return false when draining")
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", r.ActiveCount())
	}
	r.Done()
}

func TestRegistry_WaitBlocksUntilDone(t *testing.T) {
	r := NewRegistry()
	r.Add()
	r.Add()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	r.Done()
	select {
	case <-done:
		t.Error("Wait() should block while runs are active")
	default:
	}

	r.Done()
	<-done
}

func TestRegistry_DrainDuringConcurrentAdds(t *testing.T) {
	r := NewRegistry()
	const n = 100

	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted, rejected int

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ok := r.Add()
			mu.Lock()
			if ok {
				accepted++
			} else {
				rejected++
			}
			mu.Unlock()
			if ok {
				r.Done()
			}
		}()
		if i == n/2 {
			r.StartDraining()
		}
	}
	wg.Wait()

	if accepted+rejected != n {
		t.Errorf("accepted(%d) + rejected(%d) != %d", accepted, rejected, n)
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
}
