package testutil

import (
	"context"
	"sync"

	"github.com/teamdynamiq/marten/internal/session"
)

// RecordingPersister is a session.Persister that records every ChangeSet it
// accepts. Queued failures reject the next Execute calls without recording.
// A wrapping recorder forwards to a real Persister and records only what
// that Persister accepted.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RecordingPersister struct {
	mu       sync.Mutex
	inner    session.Persister
	calls    int
	accepted []session.ChangeSet
	failures []error
}

// NewRecordingPersister creates an empty recorder.
func NewRecordingPersister() *RecordingPersister {
	return &RecordingPersister{}
}

// WrapPersister returns a recorder in front of inner.
func WrapPersister(inner session.Persister) *RecordingPersister {
	return &RecordingPersister{inner: inner}
}

// Execute records cs, or returns the next queued failure.
// Calls are serialized, including the forwarded ones.
func (p *RecordingPersister) Execute(ctx context.Context, cs session.ChangeSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return err
	}
	if p.inner != nil {
		if err := p.inner.Execute(ctx, cs); err != nil {
			return err
		}
	}
	p.accepted = append(p.accepted, cs)
	return nil
}

// FailNext queues err for the next Execute call.
func (p *RecordingPersister) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, err)
}

// Calls returns how many times Execute was called, including failures.
func (p *RecordingPersister) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// ChangeSets returns a copy of the accepted change sets, oldest first.
func (p *RecordingPersister) ChangeSets() []session.ChangeSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]session.ChangeSet, len(p.accepted))
	copy(out, p.accepted)
	return out
}

// Last returns the most recently accepted change set.
func (p *RecordingPersister) Last() (session.ChangeSet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.accepted) == 0 {
		return session.ChangeSet{}, false
	}
	return p.accepted[len(p.accepted)-1], true
}
