package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func failN(b *Breaker, n int, err error) {
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), func(_ context.Context) error { return err })
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	var tripped int
	b := NewBreaker(BreakerConfig{
		Threshold: 3,
		OnTrip:    func(n int, _ error) { tripped = n },
	})

	failN(b, 2, errors.New("page did not load"))
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed below threshold, got %s", b.State())
	}

	failN(b, 1, errors.New("page did not load"))
	if b.State() != BreakerOpen {
		t.Fatalf("expected open at threshold, got %s", b.State())
	}
	if tripped != 3 {
		t.Errorf("expected OnTrip with 3 failures, got %d", tripped)
	}

	called := false
	err := b.Execute(context.Background(), func(_ context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run when the breaker is open")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 3})
	failN(b, 2, errors.New("fail"))
	if b.Failures() != 2 {
		t.Fatalf("expected 2 failures, got %d", b.Failures())
	}
	b.Record(nil)
	if b.Failures() != 0 {
		t.Errorf("expected reset after success, got %d", b.Failures())
	}
}

func TestBreaker_IgnoresCancellation(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1})
	b.Record(fmt.Errorf("stop: %w", context.Canceled))
	if b.State() != BreakerClosed {
		t.Errorf("cancellation must not trip the breaker")
	}
}

func TestBreaker_CustomTrips(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Threshold: 2,
		Trips:     IsTransient,
	})
	failN(b, 5, errors.New("element not found"))
	if b.State() != BreakerClosed {
		t.Fatalf("permanent errors should not count, got %s", b.State())
	}
	failN(b, 2, NewTransientError(errors.New("timeout"), "open_detail"))
	if b.State() != BreakerOpen {
		t.Errorf("expected open after transient failures, got %s", b.State())
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				b.Record(errors.New("fail"))
			} else {
				b.Record(nil)
			}
		}()
	}
	wg.Wait()
}

func TestBreakers_Registry(t *testing.T) {
	r := NewBreakers(BreakerConfig{Threshold: 1})
	w1 := r.Get("worker-1")
	if w1 != r.Get("worker-1") {
		t.Error("expected the same breaker for the same session")
	}
	_ = r.Get("worker-2")
	w1.Record(errors.New("fail"))

	states := r.States()
	if states["worker-1"] != BreakerOpen || states["worker-2"] != BreakerClosed {
		t.Errorf("unexpected states: %v", states)
	}
}

func TestBreakerState_String(t *testing.T) {
	if BreakerClosed.String() != "closed" || BreakerOpen.String() != "open" || BreakerState(9).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
