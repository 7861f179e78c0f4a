package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memCounter is an in-memory WindowCounter with manual clock-free windows:
// a window lasts until reset() is called.
type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	reset  time.Time
	err    error
}

func newMemCounter() *memCounter {
	return &memCounter{counts: map[string]int64{}, reset: time.Now().Add(30 * time.Second)}
}

func (m *memCounter) Incr(_ context.Context, identity, routeKey string, _ time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, time.Time{}, m.err
	}
	key := identity + "|" + routeKey
	m.counts[key]++
	return m.counts[key], m.reset, nil
}

func (m *memCounter) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = map[string]int64{}
}

func limitedRoute(max int64) *RouteDescriptor {
	return &RouteDescriptor{
		URL:       "api/x",
		Handler:   noopHandler,
		RateLimit: &RateLimit{Window: time.Minute, Max: max},
	}
}

func TestAdmissionBoundary(t *testing.T) {
	t.Parallel()

	counter := newMemCounter()
	a := NewAdmission(counter)
	rd := limitedRoute(3)

	// Requests 1..max are admitted, max+1 is denied.
	for i := 0; i < 3; i++ {
		if dec := a.Check(context.Background(), "1.2.3.4", rd); !dec.Allowed {
			t.Fatalf("request %d denied, want admitted", i+1)
		}
	}
	dec := a.Check(context.Background(), "1.2.3.4", rd)
	if dec.Allowed {
		t.Fatalf("request over budget admitted")
	}
	if dec.RetryAfter < 1 {
		t.Errorf("RetryAfter = %d, want >= 1", dec.RetryAfter)
	}
}

func TestAdmissionFreshWindowRestarts(t *testing.T) {
	t.Parallel()

	counter := newMemCounter()
	a := NewAdmission(counter)
	rd := limitedRoute(1)

	if dec := a.Check(context.Background(), "id", rd); !dec.Allowed {
		t.Fatalf("first request denied")
	}
	if dec := a.Check(context.Background(), "id", rd); dec.Allowed {
		t.Fatalf("second request admitted over budget")
	}
	counter.clear()
	if dec := a.Check(context.Background(), "id", rd); !dec.Allowed {
		t.Fatalf("request after window reset denied")
	}
}

func TestAdmissionIdentitiesIsolated(t *testing.T) {
	t.Parallel()

	a := NewAdmission(newMemCounter())
	rd := limitedRoute(1)

	if dec := a.Check(context.Background(), "alice", rd); !dec.Allowed {
		t.Fatalf("alice denied")
	}
	if dec := a.Check(context.Background(), "bob", rd); !dec.Allowed {
		t.Fatalf("bob shares alice's window")
	}
}

func TestAdmissionNoLimitAlwaysAdmits(t *testing.T) {
	t.Parallel()

	a := NewAdmission(newMemCounter())
	rd := &RouteDescriptor{URL: "api/x", Handler: noopHandler}

	for i := 0; i < 100; i++ {
		if dec := a.Check(context.Background(), "id", rd); !dec.Allowed {
			t.Fatalf("unlimited route denied at %d", i)
		}
	}
}

func TestAdmissionFailsOpenOnStoreError(t *testing.T) {
	t.Parallel()

	counter := newMemCounter()
	counter.err = errors.New("store down")
	a := NewAdmission(counter)

	if dec := a.Check(context.Background(), "id", limitedRoute(1)); !dec.Allowed {
		t.Fatalf("store outage caused a denial, want fail-open")
	}
}
