package hilo

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/teamdynamiq/marten/internal/identity"
)

// DefaultBlockSize is the number of identities reserved per refill when
// neither the allocator nor the document type override it.
const DefaultBlockSize int64 = 1000

// SequenceSource is the durable counter behind the allocator.
//
// AdvanceBy atomically adds n to the counter for docType and returns the new
// value, which is the highest identity ever promised for that type. It must be
// atomic across processes, not just goroutines: the allocator never reads and
// then writes the counter itself.
type SequenceSource interface {
	AdvanceBy(ctx context.Context, docType string, n int64) (int64, error)
}

// FloorSetter is implemented by sources that can raise a counter to a floor.
// SetFloor never lowers the counter; it returns the resulting value.
type FloorSetter interface {
	SetFloor(ctx context.Context, docType string, floor int64) (int64, error)
}

// SequenceState is the cached block for one document type.
//
// NextValue <= Ceiling always holds. NextValue == Ceiling means the block is
// exhausted; the zero state is exhausted.
type SequenceState struct {
	NextValue int64 `json:"next_value"` // next value to hand out
	Ceiling   int64 `json:"ceiling"`    // exclusive upper bound of the cached block
}

// Remaining returns how many values are left in the cached block.
func (s SequenceState) Remaining() int64 {
	return s.Ceiling - s.NextValue
}

type sequence struct {
	mu        sync.Mutex
	state     SequenceState
	blockSize int64 // 0 = allocator default

	refills    *metrics.Counter
	refillErrs *metrics.Counter
	generated  *metrics.Counter
}

// Allocator hands out dense, strictly increasing int64 identities per document
// type, with one SequenceSource round-trip per block rather than per value.
//
// Thread-safety: Allocator is safe for concurrent use. Each document type has
// its own lock, held across the refill call; callers for other types proceed
// unimpeded while one type waits on the source.
type Allocator struct {
	src          SequenceSource
	defaultBlock int64
	seqs         *xsync.MapOf[string, *sequence]
	logger       *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithDefaultBlockSize sets the block size used by types without an override.
//
// Default: 1000 (DefaultBlockSize). Non-positive values are ignored.
func WithDefaultBlockSize(n int64) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.defaultBlock = n
		}
	}
}

// WithLogger sets the logger used for refill diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Allocator backed by src.
func New(src SequenceSource, opts ...Option) *Allocator {
	a := &Allocator{
		src:          src,
		defaultBlock: DefaultBlockSize,
		seqs:         xsync.NewMapOf[string, *sequence](),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) sequenceFor(docType string) *sequence {
	seq, _ := a.seqs.LoadOrCompute(docType, func() *sequence {
		return &sequence{
			refills:    metrics.GetOrCreateCounter(fmt.Sprintf(`marten_hilo_refills_total{type=%q}`, docType)),
			refillErrs: metrics.GetOrCreateCounter(fmt.Sprintf(`marten_hilo_refill_errors_total{type=%q}`, docType)),
			generated:  metrics.GetOrCreateCounter(fmt.Sprintf(`marten_hilo_generated_total{type=%q}`, docType)),
		}
	})
	return seq
}

// SetBlockSize overrides the block size for one document type.
// Takes effect at the next refill; the current block is kept.
func (a *Allocator) SetBlockSize(docType string, n int64) {
	if n <= 0 {
		return
	}
	seq := a.sequenceFor(docType)
	seq.mu.Lock()
	seq.blockSize = n
	seq.mu.Unlock()
}

// BlockSize returns the effective block size for docType.
func (a *Allocator) BlockSize(docType string) int64 {
	seq := a.sequenceFor(docType)
	seq.mu.Lock()
	defer seq.mu.Unlock()
	return a.blockSizeLocked(seq)
}

func (a *Allocator) blockSizeLocked(seq *sequence) int64 {
	if seq.blockSize > 0 {
		return seq.blockSize
	}
	return a.defaultBlock
}

// Generate implements identity.Strategy.
func (a *Allocator) Generate(ctx context.Context, docType string) (identity.Value, error) {
	n, err := a.Next(ctx, docType)
	if err != nil {
		return identity.Value{}, err
	}
	return identity.IntValue(n), nil
}

// Next returns the next identity for docType, refilling the block first if it
// is exhausted. A failed refill returns GENERATION_UNAVAILABLE and leaves the
// cached state untouched, so retrying neither skips nor repeats values.
func (a *Allocator) Next(ctx context.Context, docType string) (int64, error) {
	seq := a.sequenceFor(docType)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	if seq.state.NextValue >= seq.state.Ceiling {
		if err := a.refillLocked(ctx, docType, seq); err != nil {
			return 0, err
		}
	}

	v := seq.state.NextValue
	seq.state.NextValue++
	seq.generated.Inc()
	return v, nil
}

// refillLocked reserves a new block. Caller holds seq.mu.
//
// The source returns the new counter c after adding n, so this allocator now
// owns (c-n, c]: NextValue = c-n+1, Ceiling = c+1.
func (a *Allocator) refillLocked(ctx context.Context, docType string, seq *sequence) error {
	n := a.blockSizeLocked(seq)

	ceiling, err := a.src.AdvanceBy(ctx, docType, n)
	if err != nil {
		seq.refillErrs.Inc()
		a.logger.Warn("hilo refill failed",
			"type", docType,
			"block", n,
			"error", err,
		)
		return identity.NewGenerationUnavailable(docType, err)
	}

	next := ceiling - n + 1
	if next <= 0 || next < seq.state.Ceiling || ceiling == math.MaxInt64 {
		seq.refillErrs.Inc()
		return identity.NewGenerationUnavailable(docType,
			fmt.Errorf("sequence source returned non-monotonic ceiling %d for block of %d (held ceiling %d)",
				ceiling, n, seq.state.Ceiling))
	}

	seq.state = SequenceState{NextValue: next, Ceiling: ceiling + 1}
	seq.refills.Inc()

	a.logger.Debug("hilo block reserved",
		"type", docType,
		"block", n,
		"first", next,
		"last", ceiling,
	)
	return nil
}

// State returns a snapshot of the cached block for docType.
func (a *Allocator) State(docType string) SequenceState {
	seq := a.sequenceFor(docType)
	seq.mu.Lock()
	defer seq.mu.Unlock()
	return seq.state
}

// ResetFloor raises the durable counter for docType to at least floor and
// discards the cached block, so every value handed out afterwards is > floor.
// The unused remainder of the discarded block is forfeited.
//
// The source must implement FloorSetter.
func (a *Allocator) ResetFloor(ctx context.Context, docType string, floor int64) error {
	fs, ok := a.src.(FloorSetter)
	if !ok {
		return fmt.Errorf("reset floor for %s: sequence source %T cannot set floors", docType, a.src)
	}
	if floor < 0 {
		return fmt.Errorf("reset floor for %s: floor must not be negative, got %d", docType, floor)
	}

	seq := a.sequenceFor(docType)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	counter, err := fs.SetFloor(ctx, docType, floor)
	if err != nil {
		return identity.NewGenerationUnavailable(docType, err)
	}
	seq.state = SequenceState{}

	a.logger.Info("hilo floor reset",
		"type", docType,
		"floor", floor,
		"counter", counter,
	)
	return nil
}
