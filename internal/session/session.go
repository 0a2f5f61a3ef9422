package session

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/teamdynamiq/marten/internal/identity"
	"github.com/teamdynamiq/marten/internal/mapping"
)

type intent int

const (
	intentStore intent = iota
	intentInsert
	intentUpdate
)

type state int

const (
	pendingInsert state = iota + 1
	pendingUpdate
)

// bucket holds the pending changes for one document type.
type bucket struct {
	mapping *mapping.Mapping
	inserts []any
	updates []any
	deletes []identity.Value
}

func (b *bucket) empty() bool {
	return len(b.inserts) == 0 && len(b.updates) == 0 && len(b.deletes) == 0
}

// Session is a unit of work: it classifies stored documents as inserts or
// updates, assigns identities to new documents, and hands everything to the
// Persister in one Flush.
//
// Thread-safety: Session is NOT safe for concurrent use. It belongs to a
// single logical owner; the identity strategies it calls are shared and safe.
type Session struct {
	reg       *mapping.Registry
	persister Persister
	batchSize int
	logger    *slog.Logger

	order   []*bucket
	buckets map[reflect.Type]*bucket
	tracked map[any]state
}

// Option configures a Session.
type Option func(*Session)

// WithBatchSize sets the ChangeSet batch size.
//
// Default: 500 (DefaultBatchSize). Non-positive values are ignored.
func WithBatchSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLogger sets the logger used for classification and flush diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty session.
func New(reg *mapping.Registry, p Persister, opts ...Option) *Session {
	s := &Session{
		reg:       reg,
		persister: p,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reset()
	return s
}

func (s *Session) reset() {
	s.order = nil
	s.buckets = make(map[reflect.Type]*bucket)
	s.tracked = make(map[any]state)
}

func (s *Session) bucketFor(m *mapping.Mapping) *bucket {
	b, ok := s.buckets[m.Type]
	if !ok {
		b = &bucket{mapping: m}
		s.buckets[m.Type] = b
		s.order = append(s.order, b)
	}
	return b
}

// Store files each document as a pending insert or update.
//
// Numeric and token documents whose identity is unset get a generated
// identity written into them and become inserts; all others become updates.
// Assigned documents become inserts unless marked with Update.
//
// Documents are processed in order and Store stops at the first error.
// The failing document is left untracked, even when an earlier Store had
// filed it; earlier documents stay filed.
func (s *Session) Store(ctx context.Context, docs ...any) error {
	return s.storeAll(ctx, intentStore, docs)
}

// Insert files each document as a pending insert, generating an identity
// where it is unset. Storage rejects the insert at flush if the key exists.
func (s *Session) Insert(ctx context.Context, docs ...any) error {
	return s.storeAll(ctx, intentInsert, docs)
}

// Update files each document as a pending update. Every document must
// already carry an identity.
func (s *Session) Update(docs ...any) error {
	return s.storeAll(context.Background(), intentUpdate, docs)
}

func (s *Session) storeAll(ctx context.Context, in intent, docs []any) error {
	for _, doc := range docs {
		if err := s.store(ctx, in, doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) store(ctx context.Context, in intent, doc any) error {
	m, err := s.reg.Resolve(doc)
	if err != nil {
		return err
	}
	id, err := m.Identity(doc)
	if err != nil {
		return err
	}

	switch m.Kind {
	case identity.Numeric, identity.Token:
		// handled below
	case identity.Assigned:
		if id.Str() == "" {
			return identity.NewInvalidIdentity(m.Alias, fmt.Sprintf("assigned identity field %s is empty", m.FieldName()))
		}
	default:
		return identity.NewUnresolvableIdentity(m.Alias, "unknown identity kind")
	}

	if identity.IsUnset(id, m.Kind) {
		if in == intentUpdate {
			return identity.NewInvalidIdentity(m.Alias, "cannot update a document without an identity")
		}
		if id, err = s.generate(ctx, m, doc); err != nil {
			// A pending instance whose identity was cleared must not flush
			// under the zero key. It has to be stored again.
			s.untrack(m, doc)
			return err
		}
		s.file(m, doc, pendingInsert, id)
		return nil
	}

	prev, tracked := s.tracked[doc]
	var next state
	switch {
	case in == intentInsert:
		next = pendingInsert
	case in == intentUpdate:
		next = pendingUpdate
	case tracked:
		next = prev
	case m.Kind == identity.Assigned:
		next = pendingInsert
	default:
		next = pendingUpdate
	}
	s.file(m, doc, next, id)
	return nil
}

func (s *Session) generate(ctx context.Context, m *mapping.Mapping, doc any) (identity.Value, error) {
	id, err := m.Strategy.Generate(ctx, m.Alias)
	if err != nil {
		return identity.Value{}, err
	}
	if err := m.SetIdentity(doc, id); err != nil {
		return identity.Value{}, err
	}
	return id, nil
}

// file places doc in the bucket for st, moving it out of its previous bucket.
// Re-filing an instance already in st keeps its position.
func (s *Session) file(m *mapping.Mapping, doc any, st state, id identity.Value) {
	b := s.bucketFor(m)
	prev, tracked := s.tracked[doc]
	if tracked && prev == st {
		s.logger.Debug("document re-stored", "type", m.Alias, "id", id.String(), "state", st.String())
		return
	}
	if tracked {
		b.remove(doc, prev)
	}

	switch st {
	case pendingInsert:
		b.inserts = append(b.inserts, doc)
	case pendingUpdate:
		b.updates = append(b.updates, doc)
	}
	s.tracked[doc] = st

	s.logger.Debug("document classified", "type", m.Alias, "id", id.String(), "state", st.String())
}

// untrack drops doc from whichever bucket holds it.
func (s *Session) untrack(m *mapping.Mapping, doc any) {
	prev, tracked := s.tracked[doc]
	if !tracked {
		return
	}
	s.bucketFor(m).remove(doc, prev)
	delete(s.tracked, doc)
	s.logger.Debug("document dropped after failed generation", "type", m.Alias, "state", prev.String())
}

func (b *bucket) remove(doc any, st state) {
	switch st {
	case pendingInsert:
		b.inserts = slices.DeleteFunc(b.inserts, func(d any) bool { return d == doc })
	case pendingUpdate:
		b.updates = slices.DeleteFunc(b.updates, func(d any) bool { return d == doc })
	}
}

func (st state) String() string {
	switch st {
	case pendingInsert:
		return "insert"
	case pendingUpdate:
		return "update"
	default:
		return "untracked"
	}
}

// Delete files a delete for doc's identity. A pending insert or update of the
// same type and identity is dropped from the session.
func (s *Session) Delete(doc any) error {
	m, err := s.reg.Resolve(doc)
	if err != nil {
		return err
	}
	id, err := m.Identity(doc)
	if err != nil {
		return err
	}
	return s.deleteKey(m, id)
}

// DeleteByID files a delete of document type T by key. The key may be an
// identity.Value or a Go value matching T's identity kind.
func DeleteByID[T any](s *Session, key any) error {
	m, err := mapping.For[T](s.reg)
	if err != nil {
		return err
	}
	id, err := m.ValueOf(key)
	if err != nil {
		return err
	}
	return s.deleteKey(m, id)
}

func (s *Session) deleteKey(m *mapping.Mapping, id identity.Value) error {
	if identity.IsUnset(id, m.Kind) || (m.Kind == identity.Assigned && id.Str() == "") {
		return identity.NewInvalidIdentity(m.Alias, "cannot delete a document without an identity")
	}

	b := s.bucketFor(m)
	eject := func(docs []any) []any {
		return slices.DeleteFunc(docs, func(d any) bool {
			did, err := m.Identity(d)
			if err != nil || did != id {
				return false
			}
			delete(s.tracked, d)
			return true
		})
	}
	b.inserts = eject(b.inserts)
	b.updates = eject(b.updates)

	if !slices.Contains(b.deletes, id) {
		b.deletes = append(b.deletes, id)
	}
	s.logger.Debug("document delete filed", "type", m.Alias, "id", id.String())
	return nil
}

// InsertsFor returns the pending inserts of document type T.
func InsertsFor[T any](s *Session) []*T {
	b, ok := s.buckets[reflect.TypeOf((*T)(nil)).Elem()]
	if !ok {
		return nil
	}
	return typed[T](b.inserts)
}

// UpdatesFor returns the pending updates of document type T.
func UpdatesFor[T any](s *Session) []*T {
	b, ok := s.buckets[reflect.TypeOf((*T)(nil)).Elem()]
	if !ok {
		return nil
	}
	return typed[T](b.updates)
}

func typed[T any](docs []any) []*T {
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.(*T))
	}
	return out
}

// Inserts returns every pending insert, grouped by document type.
func (s *Session) Inserts() []any {
	var out []any
	for _, b := range s.order {
		out = append(out, b.inserts...)
	}
	return out
}

// Updates returns every pending update, grouped by document type.
func (s *Session) Updates() []any {
	var out []any
	for _, b := range s.order {
		out = append(out, b.updates...)
	}
	return out
}

// Deletes returns every pending delete, grouped by document type.
func (s *Session) Deletes() []Deletion {
	var out []Deletion
	for _, b := range s.order {
		for _, id := range b.deletes {
			out = append(out, Deletion{DocType: b.mapping.Alias, ID: id})
		}
	}
	return out
}

// HasChanges reports whether anything is pending.
func (s *Session) HasChanges() bool {
	for _, b := range s.order {
		if !b.empty() {
			return true
		}
	}
	return false
}

// ChangeSet builds the ChangeSet the next Flush would execute.
func (s *Session) ChangeSet() (ChangeSet, error) {
	cs := ChangeSet{BatchSize: s.batchSize}
	for _, b := range s.order {
		m := b.mapping
		for _, id := range b.deletes {
			cs.Deletes = append(cs.Deletes, Operation{DocType: m.Alias, ID: id})
		}
		for _, doc := range b.inserts {
			id, err := m.Identity(doc)
			if err != nil {
				return ChangeSet{}, err
			}
			cs.Inserts = append(cs.Inserts, Operation{DocType: m.Alias, ID: id, Document: doc})
		}
		for _, doc := range b.updates {
			id, err := m.Identity(doc)
			if err != nil {
				return ChangeSet{}, err
			}
			cs.Updates = append(cs.Updates, Operation{DocType: m.Alias, ID: id, Document: doc})
		}
	}
	return cs, nil
}

// Flush hands all pending changes to the Persister in one Execute call.
//
// On success the session is emptied. On failure it returns FLUSH_FAILED and
// keeps every pending change. Flushing an empty session does nothing.
func (s *Session) Flush(ctx context.Context) (Result, error) {
	if !s.HasChanges() {
		return Result{}, nil
	}

	cs, err := s.ChangeSet()
	if err != nil {
		return Result{}, fmt.Errorf("flush: %w", err)
	}

	if err := s.persister.Execute(ctx, cs); err != nil {
		s.logger.Warn("flush failed",
			"inserts", len(cs.Inserts),
			"updates", len(cs.Updates),
			"deletes", len(cs.Deletes),
			"error", err,
		)
		return Result{}, &FlushError{Code: ErrCodeFlushFailed, Pending: cs.Len(), Err: err}
	}

	res := Result{
		Inserted: len(cs.Inserts),
		Updated:  len(cs.Updates),
		Deleted:  len(cs.Deletes),
	}
	s.reset()

	s.logger.Info("flush complete",
		"inserted", res.Inserted,
		"updated", res.Updated,
		"deleted", res.Deleted,
	)
	return res, nil
}

// Discard drops every pending change without touching storage.
// Identities already generated are forfeited.
func (s *Session) Discard() {
	s.reset()
}
