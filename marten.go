// Package marten generates document identities on the client and tracks
// each unit of work's inserts, updates and deletes until it is flushed.
//
// Open wires the configured collaborators together: the SQLite document
// table, a durable Hi-Lo counter (SQLite, Redis or counter files), the
// mapping registry and the sessions built on top of them.
//
//	ds, err := marten.Open(ctx, marten.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer ds.Close()
//
//	s := ds.OpenSession()
//	u := &User{Name: "ann"} // Id 0: new document
//	if err := s.Store(ctx, u); err != nil {
//		return err
//	}
//	_, err = s.Flush(ctx) // u.Id was assigned by Store
package marten

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teamdynamiq/marten/internal/compiler"
	"github.com/teamdynamiq/marten/internal/config"
	"github.com/teamdynamiq/marten/internal/hilo"
	"github.com/teamdynamiq/marten/internal/identity"
	"github.com/teamdynamiq/marten/internal/mapping"
	"github.com/teamdynamiq/marten/internal/sequence"
	"github.com/teamdynamiq/marten/internal/session"
	"github.com/teamdynamiq/marten/internal/store"
)

// Config holds the process-wide settings.
type Config = config.Config

// Session is one unit of work.
type Session = session.Session

// SessionOption configures a Session.
type SessionOption = session.Option

// Result summarizes an accepted flush.
type Result = session.Result

// MappingOptions overrides how one document type is mapped.
type MappingOptions = mapping.Options

// MappingSpec is a compiled set of CUE mapping files.
type MappingSpec = compiler.MappingSpec

// ErrNotFound is returned by Load for a key that was never flushed.
var ErrNotFound = store.ErrNotFound

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return config.Defaults()
}

// DocumentStore owns the shared collaborators: one allocator and one
// registry per process, handed to every session it opens.
//
// Thread-safety: DocumentStore is safe for concurrent use; the sessions it
// opens are not.
type DocumentStore struct {
	cfg       Config
	logger    *slog.Logger
	alloc     *hilo.Allocator
	registry  *mapping.Registry
	persister session.Persister
	docs      *store.Store // nil when built with New and a custom Persister
	closers   []func() error
}

type options struct {
	logger        *slog.Logger
	mappings      *compiler.MappingSpec
	tokens        identity.Strategy
	wrapSource    func(hilo.SequenceSource) hilo.SequenceSource
	wrapPersister func(session.Persister) session.Persister
}

// Option configures a DocumentStore.
type Option func(*options)

// WithLogger sets the logger shared by the allocator, registry and sessions.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMappings registers the documents declared in compiled mapping files.
// Their settings block is not applied here; use config.ApplyMapping for that.
func WithMappings(spec *MappingSpec) Option {
	return func(o *options) {
		o.mappings = spec
	}
}

// WithTokenStrategy replaces the UUIDv7 generator used for token identities.
func WithTokenStrategy(s identity.Strategy) Option {
	return func(o *options) {
		o.tokens = s
	}
}

// WrapSequenceSource decorates the counter source before the allocator uses it.
func WrapSequenceSource(wrap func(hilo.SequenceSource) hilo.SequenceSource) Option {
	return func(o *options) {
		o.wrapSource = wrap
	}
}

// WrapPersister decorates the persister before sessions use it.
func WrapPersister(wrap func(session.Persister) session.Persister) Option {
	return func(o *options) {
		o.wrapPersister = wrap
	}
}

// Open opens the SQLite document store at cfg.Database and the counter
// source named by cfg.SequenceBackend. With the sqlite backend both live in
// the same database.
func Open(ctx context.Context, cfg Config, opts ...Option) (*DocumentStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	docs, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	closers := []func() error{docs.Close}

	var src hilo.SequenceSource = docs
	if cfg.SequenceBackend != config.BackendSQLite {
		s, closeSrc, err := OpenSequenceSource(ctx, cfg)
		if err != nil {
			docs.Close()
			return nil, err
		}
		src = s
		closers = append(closers, closeSrc)
	}

	ds, err := build(cfg, src, docs, opts)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}
	ds.docs = docs
	ds.closers = closers
	return ds, nil
}

// New builds a DocumentStore over caller-supplied collaborators. Nothing
// is opened, so Close is a no-op and Load is unavailable.
func New(cfg Config, src hilo.SequenceSource, p session.Persister, opts ...Option) (*DocumentStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || p == nil {
		return nil, errors.New("marten: sequence source and persister are required")
	}
	return build(cfg, src, p, opts)
}

func build(cfg Config, src hilo.SequenceSource, p session.Persister, opts []Option) (*DocumentStore, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.wrapSource != nil {
		src = o.wrapSource(src)
	}
	if o.wrapPersister != nil {
		p = o.wrapPersister(p)
	}

	alloc := hilo.New(src,
		hilo.WithDefaultBlockSize(cfg.DefaultBlockSize),
		hilo.WithLogger(o.logger),
	)
	reg := mapping.NewRegistry(mapping.Defaults{
		Numeric: alloc,
		Token:   o.tokens,
	}, mapping.WithLogger(o.logger))

	if o.mappings != nil {
		if err := reg.ApplySpecs(o.mappings.Documents); err != nil {
			return nil, err
		}
	}

	return &DocumentStore{
		cfg:       cfg,
		logger:    o.logger,
		alloc:     alloc,
		registry:  reg,
		persister: p,
	}, nil
}

// OpenSequenceSource opens the durable counter store named by
// cfg.SequenceBackend. The returned close function is never nil.
func OpenSequenceSource(ctx context.Context, cfg Config) (hilo.SequenceSource, func() error, error) {
	switch cfg.SequenceBackend {
	case config.BackendSQLite:
		st, err := store.Open(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case config.BackendRedis:
		src, client, err := sequence.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			return nil, nil, err
		}
		return src, client.Close, nil
	case config.BackendFile:
		src, err := sequence.NewFile(cfg.SequenceDir)
		if err != nil {
			return nil, nil, err
		}
		return src, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown sequence backend %q", cfg.SequenceBackend)
	}
}

// Configure registers overrides for the type of sample. It must run before
// any session stores a document of that type.
func (ds *DocumentStore) Configure(sample any, opts MappingOptions) error {
	return ds.registry.Configure(sample, opts)
}

// OpenSession starts a unit of work. The batch size comes from the config
// unless opts override it.
func (ds *DocumentStore) OpenSession(opts ...SessionOption) *Session {
	all := append([]session.Option{
		session.WithBatchSize(ds.cfg.BatchSize),
		session.WithLogger(ds.logger),
	}, opts...)
	return session.New(ds.registry, ds.persister, all...)
}

// Config returns the settings the store was built with.
func (ds *DocumentStore) Config() Config {
	return ds.cfg
}

// Allocator returns the shared Hi-Lo allocator.
func (ds *DocumentStore) Allocator() *hilo.Allocator {
	return ds.alloc
}

// Registry returns the shared mapping registry.
func (ds *DocumentStore) Registry() *mapping.Registry {
	return ds.registry
}

// Documents returns the SQLite document store, or nil for a DocumentStore
// built with New.
func (ds *DocumentStore) Documents() *store.Store {
	return ds.docs
}

// Close releases everything Open opened, in reverse order.
func (ds *DocumentStore) Close() error {
	var errs []error
	for i := len(ds.closers) - 1; i >= 0; i-- {
		if err := ds.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	ds.closers = nil
	return errors.Join(errs...)
}

// InsertsFor returns the pending inserts of document type T.
func InsertsFor[T any](s *Session) []*T {
	return session.InsertsFor[T](s)
}

// UpdatesFor returns the pending updates of document type T.
func UpdatesFor[T any](s *Session) []*T {
	return session.UpdatesFor[T](s)
}

// DeleteByID files a delete of document type T by key.
func DeleteByID[T any](s *Session, key any) error {
	return session.DeleteByID[T](s, key)
}

// Load reads the flushed document of type T stored under key.
func Load[T any](ctx context.Context, ds *DocumentStore, key any) (*T, error) {
	if ds.docs == nil {
		return nil, errors.New("marten: no document storage attached")
	}
	m, err := mapping.For[T](ds.registry)
	if err != nil {
		return nil, err
	}
	id, err := m.ValueOf(key)
	if err != nil {
		return nil, err
	}
	doc := new(T)
	if _, err := ds.docs.LoadDocument(ctx, m.Alias, id.String(), doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Count returns how many documents of type T have been flushed.
func Count[T any](ctx context.Context, ds *DocumentStore) (int, error) {
	if ds.docs == nil {
		return 0, errors.New("marten: no document storage attached")
	}
	m, err := mapping.For[T](ds.registry)
	if err != nil {
		return 0, err
	}
	return ds.docs.CountDocuments(ctx, m.Alias)
}
