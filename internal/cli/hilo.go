package cli

import (
	"fmt"
	"slices"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teamdynamiq/marten"
	"github.com/teamdynamiq/marten/internal/config"
	"github.com/teamdynamiq/marten/internal/hilo"
	"github.com/teamdynamiq/marten/internal/identity"
	"github.com/teamdynamiq/marten/internal/sequence"
	"github.com/teamdynamiq/marten/internal/store"
)

// HiloOptions holds flags for the hilo subcommands.
type HiloOptions struct {
	*RootOptions
	DocType string
	Count   int
	Workers int
	Metrics bool
	Floor   int64
}

// NextResult is the output of hilo next.
type NextResult struct {
	Type  string             `json:"type"`
	IDs   []int64            `json:"ids"`
	State hilo.SequenceState `json:"state"`
}

// NewHiloCommand creates the hilo command group.
func NewHiloCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HiloOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "hilo",
		Short: "Hi-Lo identity sequences",
		Long: `Generate numeric identities and inspect or raise the durable Hi-Lo counters.

The counter store is chosen with --sequence-backend (sqlite, redis or file).`,
	}

	cmd.AddCommand(newHiloNextCommand(opts))
	cmd.AddCommand(newHiloShowCommand(opts))
	cmd.AddCommand(newHiloFloorCommand(opts))
	return cmd
}

func newHiloNextCommand(opts *HiloOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Generate identities for a document type",
		Long: `Generate identities for a document type from the configured backend.

Workers draw from one shared allocator concurrently; every value is distinct.

Examples:
  marten hilo next --type user
  marten hilo next --type user --count 1000 --workers 8 --block-size 100
  marten hilo next --type user --sequence-backend redis --metrics`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHiloNext(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DocType, "type", "", "document type alias (required)")
	cmd.Flags().IntVar(&opts.Count, "count", 1, "number of identities to generate")
	cmd.Flags().IntVar(&opts.Workers, "workers", 1, "concurrent workers")
	cmd.Flags().Int64(config.KeyBlockSize, hilo.DefaultBlockSize, "Hi-Lo block size")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print allocator metrics in Prometheus text format")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func runHiloNext(opts *HiloOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	if opts.Count <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--count must be positive, got %d", opts.Count))
	}
	if opts.Workers <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--workers must be positive, got %d", opts.Workers))
	}

	ctx := cmd.Context()
	src, closeSrc, err := marten.OpenSequenceSource(ctx, opts.Config)
	if err != nil {
		_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open sequence backend", err)
	}
	defer closeSrc()

	alloc, err := newAllocator(opts, src, cmd.Flags().Changed(config.KeyBlockSize))
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "hilo next", err)
	}
	formatter.VerboseLog("Generating %d identities for %s with %d worker(s), block size %d",
		opts.Count, opts.DocType, opts.Workers, alloc.BlockSize(opts.DocType))

	var (
		mu  sync.Mutex
		ids = make([]int64, 0, opts.Count)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range split(opts.Count, opts.Workers) {
		n := n
		g.Go(func() error {
			for i := 0; i < n; i++ {
				id, err := alloc.Next(gctx, opts.DocType)
				if err != nil {
					return err
				}
				mu.Lock()
				ids = append(ids, id)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		code := ErrCodeGeneric
		if identity.IsGenerationUnavailable(err) {
			code = string(identity.ErrCodeGenerationUnavailable)
		}
		_ = formatter.Error(code, err.Error(), map[string]int{"generated": len(ids)})
		return WrapExitError(ExitFailure, "identity generation failed", err)
	}
	slices.Sort(ids)

	if formatter.Format == "json" {
		if err := formatter.Success(NextResult{Type: opts.DocType, IDs: ids, State: alloc.State(opts.DocType)}); err != nil {
			return err
		}
	} else {
		for _, id := range ids {
			fmt.Fprintln(formatter.Writer, id)
		}
	}

	if opts.Metrics {
		w := formatter.Writer
		if formatter.Format == "json" {
			w = formatter.GetErrWriter()
		}
		metrics.WritePrometheus(w, false)
	}
	return nil
}

// split spreads count across at most workers shares.
func split(count, workers int) []int {
	if workers > count {
		workers = count
	}
	shares := make([]int, workers)
	for i := range shares {
		shares[i] = count / workers
		if i < count%workers {
			shares[i]++
		}
	}
	return shares
}

func newHiloShowCommand(opts *HiloOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show persisted Hi-Lo counters",
		Long: `Show the persisted Hi-Lo counters.

The sqlite backend lists every document type. The file backend needs --type.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHiloShow(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.DocType, "type", "", "document type alias")
	return cmd
}

func runHiloShow(opts *HiloOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	var ceilings []store.Ceiling
	switch opts.Config.SequenceBackend {
	case config.BackendSQLite:
		st, err := store.Open(opts.Config.Database)
		if err != nil {
			_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
			return WrapExitError(ExitCommandError, "open database", err)
		}
		defer st.Close()

		all, err := st.Ceilings(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "read counters", err)
		}
		for _, c := range all {
			if opts.DocType == "" || c.DocType == opts.DocType {
				ceilings = append(ceilings, c)
			}
		}

	case config.BackendFile:
		if opts.DocType == "" {
			return NewExitError(ExitCommandError, "hilo show: the file backend needs --type")
		}
		f, err := sequence.NewFile(opts.Config.SequenceDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "open sequence dir", err)
		}
		hi, err := f.Current(ctx, opts.DocType)
		if err != nil {
			return WrapExitError(ExitCommandError, "read counter", err)
		}
		ceilings = []store.Ceiling{{DocType: opts.DocType, HiValue: hi}}

	default:
		msg := fmt.Sprintf("hilo show is not supported by the %s backend", opts.Config.SequenceBackend)
		_ = formatter.Error(ErrCodeBackend, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	if formatter.Format == "json" {
		if ceilings == nil {
			ceilings = []store.Ceiling{}
		}
		return formatter.Success(ceilings)
	}
	if len(ceilings) == 0 {
		fmt.Fprintln(formatter.Writer, "No counters.")
		return nil
	}
	for _, c := range ceilings {
		fmt.Fprintf(formatter.Writer, "%-24s %d\n", c.DocType, c.HiValue)
	}
	return nil
}

func newHiloFloorCommand(opts *HiloOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "floor",
		Short: "Raise a Hi-Lo counter",
		Long: `Raise the durable counter for a document type to at least --floor, so
every identity generated afterwards is greater than it. Counters never move down.

Use after importing rows with externally chosen identities.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHiloFloor(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.DocType, "type", "", "document type alias (required)")
	cmd.Flags().Int64Var(&opts.Floor, "floor", 0, "new minimum counter value")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("floor")
	return cmd
}

func runHiloFloor(opts *HiloOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	src, closeSrc, err := marten.OpenSequenceSource(ctx, opts.Config)
	if err != nil {
		_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open sequence backend", err)
	}
	defer closeSrc()

	alloc := hilo.New(src, hilo.WithLogger(opts.logger()))
	if err := alloc.ResetFloor(ctx, opts.DocType, opts.Floor); err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "hilo floor", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"type": opts.DocType, "floor": opts.Floor})
	}
	fmt.Fprintf(formatter.Writer, "✓ %s counter is at least %d\n", opts.DocType, opts.Floor)
	return nil
}

// newAllocator builds an allocator over src. Per-document block sizes from
// the mapping files apply unless --block-size was given explicitly.
func newAllocator(opts *HiloOptions, src hilo.SequenceSource, explicitBlock bool) (*hilo.Allocator, error) {
	alloc := hilo.New(src,
		hilo.WithDefaultBlockSize(opts.Config.DefaultBlockSize),
		hilo.WithLogger(opts.logger()),
	)
	if opts.Mapping == nil {
		return alloc, nil
	}
	for _, doc := range opts.Mapping.Documents {
		if doc.Alias != opts.DocType {
			continue
		}
		if doc.Kind != identity.Numeric {
			return nil, fmt.Errorf("document %q has a %s identity; Hi-Lo serves numeric identities only", doc.Alias, doc.Kind)
		}
		if doc.BlockSize > 0 && !explicitBlock {
			alloc.SetBlockSize(doc.Alias, doc.BlockSize)
		}
	}
	return alloc, nil
}
