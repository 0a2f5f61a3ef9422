package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/teamdynamiq/marten/internal/hilo"
)

// MemorySequence is an in-memory hilo.SequenceSource for tests.
//
// Unlike a real connector it can inject failures and hold a refill open, so
// tests can observe retry safety and per-type lock isolation.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MemorySequence struct {
	mu       sync.Mutex
	inner    hilo.SequenceSource // nil: counters are the source of truth
	counters map[string]int64
	calls    map[string]int
	failures []error
	holds    map[string]*hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

// NewMemorySequence creates a sequence source where every counter starts at 0.
func NewMemorySequence() *MemorySequence {
	return &MemorySequence{
		counters: make(map[string]int64),
		calls:    make(map[string]int),
		holds:    make(map[string]*hold),
	}
}

// WrapSequence fronts a real source with the same failure injection, holds
// and call counting. Counter then reports the last value inner returned.
func WrapSequence(inner hilo.SequenceSource) *MemorySequence {
	m := NewMemorySequence()
	m.inner = inner
	return m
}

// AdvanceBy atomically adds n to the counter for docType and returns the new value.
//
// Injected failures are consumed first, in FIFO order, and leave the counter untouched.
func (m *MemorySequence) AdvanceBy(ctx context.Context, docType string, n int64) (int64, error) {
	m.mu.Lock()
	h := m.holds[docType]
	delete(m.holds, docType)
	m.mu.Unlock()

	if h != nil {
		close(h.entered)
		select {
		case <-h.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	m.mu.Lock()
	m.calls[docType]++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		m.mu.Unlock()
		return 0, err
	}
	if n <= 0 {
		m.mu.Unlock()
		return 0, fmt.Errorf("advance %s: block size must be positive, got %d", docType, n)
	}
	if m.inner == nil {
		m.counters[docType] += n
		c := m.counters[docType]
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c, err := m.inner.AdvanceBy(ctx, docType, n)
	if err != nil {
		return 0, err
	}
	m.observe(docType, c)
	return c, nil
}

func (m *MemorySequence) observe(docType string, c int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c > m.counters[docType] {
		m.counters[docType] = c
	}
}

// SetFloor raises the counter for docType to at least floor.
// A wrapped source must implement hilo.FloorSetter.
func (m *MemorySequence) SetFloor(ctx context.Context, docType string, floor int64) (int64, error) {
	if m.inner == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.counters[docType] < floor {
			m.counters[docType] = floor
		}
		return m.counters[docType], nil
	}

	fs, ok := m.inner.(hilo.FloorSetter)
	if !ok {
		return 0, fmt.Errorf("set floor %s: %T cannot set floors", docType, m.inner)
	}
	c, err := fs.SetFloor(ctx, docType, floor)
	if err != nil {
		return 0, err
	}
	m.observe(docType, c)
	return c, nil
}

// FailNext queues err to be returned by the next AdvanceBy call (any type).
func (m *MemorySequence) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, err)
}

// Hold makes the next AdvanceBy for docType block until release is called.
// entered is closed once that call is inside AdvanceBy.
func (m *MemorySequence) Hold(docType string) (entered <-chan struct{}, release func()) {
	h := &hold{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	m.mu.Lock()
	m.holds[docType] = h
	m.mu.Unlock()

	var once sync.Once
	return h.entered, func() {
		once.Do(func() { close(h.release) })
	}
}

// Calls returns how many times AdvanceBy was called for docType (including failures).
func (m *MemorySequence) Calls(docType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[docType]
}

// Counter returns the highest value promised so far for docType.
func (m *MemorySequence) Counter(docType string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[docType]
}
