package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/teamdynamiq/marten"
	"github.com/teamdynamiq/marten/internal/config"
	"github.com/teamdynamiq/marten/internal/hilo"
	"github.com/teamdynamiq/marten/internal/identity"
	"github.com/teamdynamiq/marten/internal/mapping"
	"github.com/teamdynamiq/marten/internal/session"
	"github.com/teamdynamiq/marten/internal/testutil"
)

// Built-in scenario document types.
type (
	numericDoc struct {
		Id   int64
		Name string
	}
	smallDoc struct {
		Id int32
	}
	tokenDoc struct {
		ID uuid.UUID
	}
	assignedDoc struct {
		Key string `marten:"id"`
	}
)

type documentType struct {
	sample     any
	newDoc     func() any
	deleteByID func(s *session.Session, id identity.Value) error
}

var documentTypes = map[string]documentType{
	"numeric": {
		sample:     &numericDoc{},
		newDoc:     func() any { return &numericDoc{} },
		deleteByID: func(s *session.Session, id identity.Value) error { return session.DeleteByID[numericDoc](s, id) },
	},
	"small": {
		sample:     &smallDoc{},
		newDoc:     func() any { return &smallDoc{} },
		deleteByID: func(s *session.Session, id identity.Value) error { return session.DeleteByID[smallDoc](s, id) },
	},
	"token": {
		sample:     &tokenDoc{},
		newDoc:     func() any { return &tokenDoc{} },
		deleteByID: func(s *session.Session, id identity.Value) error { return session.DeleteByID[tokenDoc](s, id) },
	},
	"assigned": {
		sample:     &assignedDoc{},
		newDoc:     func() any { return &assignedDoc{} },
		deleteByID: func(s *session.Session, id identity.Value) error { return session.DeleteByID[assignedDoc](s, id) },
	},
}

// defaultTokenCount is how many sequential tokens a scenario without
// explicit tokens can draw.
const defaultTokenCount = 256

var (
	errRefillInjected = errors.New("sequence source unavailable")
	errFlushInjected  = errors.New("storage unavailable")
)

// Harness runs one scenario against a session built by marten.New or
// marten.Open. The counter source and persister are fronted by testutil
// wrappers, which count refills and inject failures for the fail_next_*
// steps.
type Harness struct {
	ds        *marten.DocumentStore
	seq       *testutil.MemorySequence
	alloc     *hilo.Allocator
	reg       *mapping.Registry
	persister *testutil.RecordingPersister
	session   *session.Session
	logger    *slog.Logger

	docs     map[string]any
	docTypes map[string]string
}

// Option configures a Harness.
type Option func(*harnessOptions)

type harnessOptions struct {
	database string
	config   *marten.Config
}

// WithDatabase runs the scenario against a SQLite database at path, which
// serves as both the counter source and the persister. The database should
// be fresh: identities continue from whatever counters it holds.
func WithDatabase(path string) Option {
	return func(o *harnessOptions) {
		o.database = path
	}
}

// WithConfig sets the base settings. The scenario's block and batch sizes
// override them.
func WithConfig(cfg marten.Config) Option {
	return func(o *harnessOptions) {
		o.config = &cfg
	}
}

// New builds the collaborators for scenario. In-memory ones unless
// WithDatabase is given.
func New(ctx context.Context, scenario *Scenario, opts ...Option) (*Harness, error) {
	var o harnessOptions
	for _, opt := range opts {
		opt(&o)
	}

	tokens, err := parseTokens(scenario.Tokens)
	if err != nil {
		return nil, err
	}

	cfg := marten.DefaultConfig()
	if o.config != nil {
		cfg = *o.config
	}
	cfg.DefaultBlockSize = scenario.BlockSize
	if scenario.BatchSize > 0 {
		cfg.BatchSize = scenario.BatchSize
	}

	h := &Harness{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in scenarios
		docs:     make(map[string]any),
		docTypes: make(map[string]string),
	}
	dsOpts := []marten.Option{
		marten.WithLogger(h.logger),
		marten.WithTokenStrategy(identity.NewFixedTokens(tokens...)),
	}

	if o.database == "" {
		h.seq = testutil.NewMemorySequence()
		h.persister = testutil.NewRecordingPersister()
		h.ds, err = marten.New(cfg, h.seq, h.persister, dsOpts...)
	} else {
		cfg.Database = o.database
		cfg.SequenceBackend = config.BackendSQLite
		dsOpts = append(dsOpts,
			marten.WrapSequenceSource(func(src hilo.SequenceSource) hilo.SequenceSource {
				h.seq = testutil.WrapSequence(src)
				return h.seq
			}),
			marten.WrapPersister(func(p session.Persister) session.Persister {
				h.persister = testutil.WrapPersister(p)
				return h.persister
			}),
		)
		h.ds, err = marten.Open(ctx, cfg, dsOpts...)
	}
	if err != nil {
		return nil, err
	}

	for alias, dt := range documentTypes {
		if err := h.ds.Configure(dt.sample, mapping.Options{Alias: alias}); err != nil {
			h.ds.Close()
			return nil, fmt.Errorf("configure %s: %w", alias, err)
		}
	}

	h.alloc = h.ds.Allocator()
	h.reg = h.ds.Registry()
	h.session = h.ds.OpenSession()
	return h, nil
}

// Close releases the database opened by WithDatabase.
func (h *Harness) Close() error {
	return h.ds.Close()
}

func parseTokens(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		tokens := make([]uuid.UUID, defaultTokenCount)
		for i := range tokens {
			tokens[i] = uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012x", i+1))
		}
		return tokens, nil
	}
	tokens := make([]uuid.UUID, 0, len(raw))
	for i, s := range raw {
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("tokens[%d]: %w", i, err)
		}
		tokens = append(tokens, u)
	}
	return tokens, nil
}

// Run executes a scenario and returns the result.
//
// Every scenario gets fresh collaborators, so runs are isolated and
// deterministic. The returned error reports a scenario that could not be
// executed at all; step and assertion failures land in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h, err := New(ctx, scenario, opts...)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Run(ctx, scenario)
}

// Run executes scenario's steps, then evaluates its assertions.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	result := NewResult()

	for i, st := range scenario.Steps {
		ev, stepErr, err := h.execute(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		ev.Seq = i + 1
		result.AddTrace(ev)

		switch {
		case stepErr != nil && st.Error == "":
			result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", ev.Seq, st.Op, stepErr))
		case stepErr == nil && st.Error != "":
			result.AddError(fmt.Sprintf("step %d (%s): expected %s, got success", ev.Seq, st.Op, st.Error))
		case stepErr != nil && ev.Error != st.Error:
			result.AddError(fmt.Sprintf("step %d (%s): expected %s, got %v", ev.Seq, st.Op, st.Error, stepErr))
		}

		h.logger.Debug("scenario step", "seq", ev.Seq, "op", st.Op, "outcome", ev.Outcome)
	}

	for _, msg := range h.EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step. stepErr is the library's answer to the step;
// err means the step itself is malformed.
func (h *Harness) execute(ctx context.Context, st Step) (ev TraceEvent, stepErr error, err error) {
	ev = TraceEvent{Op: st.Op, Type: st.Type, Ref: st.Ref}

	switch st.Op {
	case OpStore, OpInsert, OpUpdate, OpDelete:
		doc, m, err := h.document(st)
		if err != nil {
			return ev, nil, err
		}
		before := h.seq.Calls(m.Alias)

		switch st.Op {
		case OpStore:
			stepErr = h.session.Store(ctx, doc)
		case OpInsert:
			stepErr = h.session.Insert(ctx, doc)
		case OpUpdate:
			stepErr = h.session.Update(doc)
		case OpDelete:
			stepErr = h.session.Delete(doc)
		}

		ev.Refills = h.seq.Calls(m.Alias) - before
		if id, err := m.Identity(doc); err == nil {
			ev.ID = id.String()
		}
		switch {
		case stepErr != nil:
			ev.Outcome = OutcomeRejected
		case st.Op == OpDelete:
			ev.Outcome = OutcomeDelete
		default:
			ev.Outcome = h.placement(doc)
		}

	case OpDeleteID:
		dt := documentTypes[st.Type]
		m, err := h.reg.Resolve(dt.sample)
		if err != nil {
			return ev, nil, err
		}
		id, err := convertID(m, st.ID)
		if err != nil {
			return ev, nil, err
		}
		ev.ID = id.String()
		stepErr = dt.deleteByID(h.session, id)
		ev.Outcome = OutcomeDelete
		if stepErr != nil {
			ev.Outcome = OutcomeRejected
		}

	case OpFlush:
		res, ferr := h.session.Flush(ctx)
		stepErr = ferr
		if ferr != nil {
			ev.Outcome = OutcomeRejected
		} else {
			ev.Outcome = OutcomeFlushed
			ev.Flushed = &res
		}

	case OpDiscard:
		h.session.Discard()
		ev.Outcome = OutcomeDiscarded

	case OpResetFloor:
		stepErr = h.alloc.ResetFloor(ctx, st.Type, st.Floor)
		ev.Outcome = OutcomeFloorSet
		if stepErr != nil {
			ev.Outcome = OutcomeRejected
		}

	case OpFailNextRefill:
		h.seq.FailNext(errRefillInjected)
		ev.Outcome = OutcomeArmed

	case OpFailNextFlush:
		h.persister.FailNext(errFlushInjected)
		ev.Outcome = OutcomeArmed

	default:
		return ev, nil, fmt.Errorf("unknown op %q", st.Op)
	}

	if stepErr != nil {
		ev.Error = errorCode(stepErr)
	}
	return ev, stepErr, nil
}

// document returns the instance named by st.Ref, creating it on first use,
// and applies st.ID when present.
func (h *Harness) document(st Step) (any, *mapping.Mapping, error) {
	doc, ok := h.docs[st.Ref]
	if ok && h.docTypes[st.Ref] != st.Type {
		return nil, nil, fmt.Errorf("ref %q is a %s document, not %s", st.Ref, h.docTypes[st.Ref], st.Type)
	}
	if !ok {
		doc = documentTypes[st.Type].newDoc()
		h.docs[st.Ref] = doc
		h.docTypes[st.Ref] = st.Type
	}

	m, err := h.reg.Resolve(doc)
	if err != nil {
		return nil, nil, err
	}
	if st.ID != nil {
		id, err := convertID(m, st.ID)
		if err != nil {
			return nil, nil, err
		}
		if err := m.SetIdentity(doc, id); err != nil {
			return nil, nil, err
		}
	}
	return doc, m, nil
}

// placement reports which pending bucket holds doc.
func (h *Harness) placement(doc any) string {
	for _, d := range h.session.Inserts() {
		if d == doc {
			return OutcomeInsert
		}
	}
	for _, d := range h.session.Updates() {
		if d == doc {
			return OutcomeUpdate
		}
	}
	return OutcomeUntracked
}

// convertID turns a YAML scalar into an identity of m's kind.
func convertID(m *mapping.Mapping, raw any) (identity.Value, error) {
	switch m.Kind {
	case identity.Numeric:
		switch n := raw.(type) {
		case int:
			return identity.IntValue(int64(n)), nil
		case int64:
			return identity.IntValue(n), nil
		}
	case identity.Token:
		switch s := raw.(type) {
		case string:
			if s == "" {
				return identity.TokenValue(uuid.Nil), nil
			}
			u, err := uuid.Parse(s)
			if err != nil {
				return identity.Value{}, fmt.Errorf("%s id %q: %w", m.Alias, s, err)
			}
			return identity.TokenValue(u), nil
		case int:
			if s == 0 {
				return identity.TokenValue(uuid.Nil), nil
			}
		}
	case identity.Assigned:
		if s, ok := raw.(string); ok {
			return identity.StringValue(s), nil
		}
	}
	return identity.Value{}, fmt.Errorf("%s id %v (%T) does not fit a %s identity", m.Alias, raw, raw, m.Kind)
}

// errorCode extracts the error code from library errors.
func errorCode(err error) string {
	var ie *identity.Error
	if errors.As(err, &ie) {
		return string(ie.Code)
	}
	var fe *session.FlushError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "ERROR"
}
