package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teamdynamiq/marten/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Filter  string // scenario filter (glob pattern on the file name)
	Trace   bool   // print each scenario's trace snapshot
	Backend string // "memory" | "sqlite"
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string               `json:"name"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
}

// RunResult holds the overall scenario run result.
type RunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Scripted session scenarios",
	}

	run := &cobra.Command{
		Use:   "run <file-or-dir>...",
		Short: "Run scenario files",
		Long: `Run YAML session scenarios.

The memory backend runs against in-memory collaborators. The sqlite backend
opens a full document store in a fresh temporary database per scenario, so
counters and flushed documents go through SQLite. Injected refill and flush
failures behave the same on both.

Directories are searched recursively for .yaml and .yml files.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  marten scenario run testdata/scenarios
  marten scenario run testdata/scenarios --filter "hilo_*"
  marten scenario run refill.yaml --trace --format json
  marten scenario run testdata/scenarios --backend sqlite`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}
	run.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	run.Flags().BoolVar(&opts.Trace, "trace", false, "include each scenario's trace")
	run.Flags().StringVar(&opts.Backend, "backend", backendMemory, "collaborators to run against: memory or sqlite")

	cmd.AddCommand(run)
	return cmd
}

const (
	backendMemory = "memory"
	backendSQLite = "sqlite"
)

func runScenarios(opts *ScenarioOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	if opts.Backend != backendMemory && opts.Backend != backendSQLite {
		msg := fmt.Sprintf("--backend must be memory or sqlite, got %q", opts.Backend)
		_ = formatter.Error(ErrCodeGeneric, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "find scenarios", err)
		}
		files = append(files, found...)
	}

	result := RunResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		formatter.VerboseLog("Running %s", file)
		sr := runScenarioFile(cmd.Context(), opts, file)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if formatter.Format == "json" {
		return outputScenarioJSON(formatter, result)
	}
	return outputScenarioText(formatter, result)
}

// findScenarioFiles returns path itself or the YAML files under it.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var files []string
	add := func(p string) error {
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(p), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, p)
		return nil
	}

	if !info.IsDir() {
		return files, add(path)
	}
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		return add(p)
	})
	return files, err
}

func runScenarioFile(ctx context.Context, opts *ScenarioOptions, file string) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	runOpts := []harness.Option{harness.WithConfig(opts.Config)}
	if opts.Backend == backendSQLite {
		dir, err := os.MkdirTemp("", "marten-scenario-*")
		if err != nil {
			return ScenarioResult{
				Name:   scenario.Name,
				Errors: []string{fmt.Sprintf("create database dir: %v", err)},
			}
		}
		defer os.RemoveAll(dir)
		runOpts = append(runOpts, harness.WithDatabase(filepath.Join(dir, "scenario.db")))
	}

	result, err := harness.Run(ctx, scenario, runOpts...)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	sr := ScenarioResult{
		Name:   scenario.Name,
		Pass:   result.Pass,
		Errors: result.Errors,
	}
	if opts.Trace {
		sr.Trace = result.Trace
	}
	return sr
}

// outputScenarioJSON outputs the run result as JSON.
func outputScenarioJSON(formatter *OutputFormatter, result RunResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if result.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_SCENARIO_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}
	if err := formatter.encode(response); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// outputScenarioText outputs the run result as text.
func outputScenarioText(formatter *OutputFormatter, result RunResult) error {
	w := formatter.Writer
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}

	for _, sr := range result.Scenarios {
		if sr.Pass {
			fmt.Fprintf(w, "✓ %s\n", sr.Name)
		} else {
			fmt.Fprintf(w, "✗ %s\n", sr.Name)
			for _, e := range sr.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		for _, ev := range sr.Trace {
			fmt.Fprintf(w, "  [%d] %s %s %s -> %s", ev.Seq, ev.Op, ev.Type, ev.Ref, ev.Outcome)
			if ev.ID != "" {
				fmt.Fprintf(w, " id=%s", ev.ID)
			}
			if ev.Error != "" {
				fmt.Fprintf(w, " error=%s", ev.Error)
			}
			fmt.Fprintln(w)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
