package mapping

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/teamdynamiq/marten/internal/compiler"
	"github.com/teamdynamiq/marten/internal/identity"
)

// BlockSizer is implemented by numeric strategies that accept per-type block
// sizes (hilo.Allocator).
type BlockSizer interface {
	SetBlockSize(docType string, n int64)
}

// Defaults are the strategies used when a type has no override.
type Defaults struct {
	// Numeric generates numeric identities. Usually a *hilo.Allocator.
	// Numeric types fail to resolve when this is nil and no override is set.
	Numeric identity.Strategy

	// Token generates token identities. Default: identity.UUIDv7Tokens.
	Token identity.Strategy
}

type resolution struct {
	m   *Mapping
	err error
}

// Registry resolves and caches document mappings.
//
// Resolution happens once per Go type: the first Store of a type fixes its
// mapping (or its resolution error) for the lifetime of the Registry.
//
// Thread-safety: Registry is safe for concurrent use. Concurrent first uses
// of the same type resolve it exactly once.
type Registry struct {
	defaults Defaults
	options  *xsync.MapOf[reflect.Type, Options]
	specs    *xsync.MapOf[string, compiler.DocumentSpec]
	resolved *xsync.MapOf[reflect.Type, resolution]
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(defaults Defaults, opts ...Option) *Registry {
	if defaults.Token == nil {
		defaults.Token = identity.UUIDv7Tokens{}
	}
	r := &Registry{
		defaults: defaults,
		options:  xsync.NewMapOf[reflect.Type, Options](),
		specs:    xsync.NewMapOf[string, compiler.DocumentSpec](),
		resolved: xsync.NewMapOf[reflect.Type, resolution](),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure registers overrides for the type of sample (a struct or pointer
// to struct). It must be called before the type is first resolved.
func (r *Registry) Configure(sample any, opts Options) error {
	t := structType(reflect.TypeOf(sample))
	if t == nil {
		return fmt.Errorf("configure: %T is not a struct type", sample)
	}
	if _, ok := r.resolved.Load(t); ok {
		return fmt.Errorf("configure %s: type already resolved, identity mapping is fixed", t)
	}
	r.options.Store(t, opts)
	return nil
}

// ApplySpecs registers declared document settings by alias. A declared
// identity kind must match the Go field kind when the type resolves.
func (r *Registry) ApplySpecs(specs []compiler.DocumentSpec) error {
	for _, spec := range specs {
		if spec.Alias == "" {
			return fmt.Errorf("apply specs: document spec without alias")
		}
		r.specs.Store(spec.Alias, spec)
	}
	return nil
}

// Resolve returns the mapping for doc, which must be a non-nil pointer to a struct.
func (r *Registry) Resolve(doc any) (*Mapping, error) {
	rv := reflect.ValueOf(doc)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, identity.NewUnresolvableIdentity(fmt.Sprintf("%T", doc), "documents must be non-nil pointers to structs")
	}
	return r.ResolveType(rv.Type().Elem())
}

// ResolveType returns the mapping for struct type t.
func (r *Registry) ResolveType(t reflect.Type) (*Mapping, error) {
	res, _ := r.resolved.LoadOrCompute(t, func() resolution {
		m, err := r.build(t)
		if err != nil {
			r.logger.Warn("document mapping unresolvable", "type", t.String(), "error", err)
		} else {
			r.logger.Debug("document mapping resolved",
				"type", t.String(),
				"alias", m.Alias,
				"kind", m.Kind.String(),
				"field", m.FieldName(),
			)
		}
		return resolution{m: m, err: err}
	})
	return res.m, res.err
}

// For returns the mapping for document type T.
func For[T any](r *Registry) (*Mapping, error) {
	return r.ResolveType(reflect.TypeOf((*T)(nil)).Elem())
}

// Mappings returns every successfully resolved mapping.
func (r *Registry) Mappings() []*Mapping {
	var out []*Mapping
	r.resolved.Range(func(_ reflect.Type, res resolution) bool {
		if res.err == nil {
			out = append(out, res.m)
		}
		return true
	})
	return out
}

func (r *Registry) build(t reflect.Type) (*Mapping, error) {
	m, err := resolve(t)
	if err != nil {
		return nil, err
	}

	opts, _ := r.options.Load(t)
	m.Alias = opts.Alias
	if m.Alias == "" {
		m.Alias = strings.ToLower(t.Name())
	}
	if m.Alias == "" {
		return nil, identity.NewUnresolvableIdentity(t.String(), "anonymous struct types need an alias")
	}
	m.BlockSize = opts.BlockSize

	if spec, ok := r.specs.Load(m.Alias); ok {
		if spec.Kind != identity.KindUnknown && spec.Kind != m.Kind {
			return nil, identity.NewUnresolvableIdentity(m.Alias,
				fmt.Sprintf("declared identity %s does not match %s field %s", spec.Kind, m.Kind, m.FieldName()))
		}
		if m.BlockSize == 0 {
			m.BlockSize = spec.BlockSize
		}
	}

	switch m.Kind {
	case identity.Numeric:
		m.Strategy = opts.Strategy
		if m.Strategy == nil {
			m.Strategy = r.defaults.Numeric
		}
		if m.Strategy == nil {
			return nil, identity.NewUnresolvableIdentity(m.Alias, "no numeric identity strategy configured")
		}
		if bs, ok := m.Strategy.(BlockSizer); ok && m.BlockSize > 0 {
			bs.SetBlockSize(m.Alias, m.BlockSize)
		}
	case identity.Token:
		m.Strategy = opts.Strategy
		if m.Strategy == nil {
			m.Strategy = r.defaults.Token
		}
	case identity.Assigned:
		if opts.Strategy != nil {
			return nil, identity.NewUnresolvableIdentity(m.Alias, "assigned identities cannot use a generation strategy")
		}
		m.Strategy = identity.AssignedKeys{}
	default:
		return nil, identity.NewUnresolvableIdentity(m.Alias, "unknown identity kind")
	}
	return m, nil
}

func structType(t reflect.Type) reflect.Type {
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}
