package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teamdynamiq/marten"
)

// DocsOptions holds flags for the docs subcommands.
type DocsOptions struct {
	*RootOptions
	DocType string
	ID      string
}

// DocsList is the output of docs list.
type DocsList struct {
	Type  string   `json:"type"`
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

// DocsGet is the output of docs get.
type DocsGet struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// NewDocsCommand creates the docs command group.
func NewDocsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Inspect flushed documents",
		Long: `Inspect the documents flushed to the SQLite document table.

Documents are addressed by type alias and storage key, the identity as text.`,
	}
	cmd.AddCommand(newDocsListCommand(opts))
	cmd.AddCommand(newDocsGetCommand(opts))
	return cmd
}

func newDocsListCommand(opts *DocsOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the keys of a document type",
		Long: `List the storage keys of one document type, in key order.

Examples:
  marten docs list --type user
  marten docs list --type user --database app.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDocsList(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.DocType, "type", "", "document type alias (required)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newDocsGetCommand(opts *DocsOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print one flushed document",
		Long: `Print the stored JSON body and version of one document.

Examples:
  marten docs get --type user --id 42`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDocsGet(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.DocType, "type", "", "document type alias (required)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "storage key (required)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func openDocumentStore(opts *DocsOptions, cmd *cobra.Command, formatter *OutputFormatter) (*marten.DocumentStore, error) {
	ds, err := marten.Open(cmd.Context(), opts.Config,
		marten.WithLogger(opts.logger()),
		marten.WithMappings(opts.Mapping),
	)
	if err != nil {
		_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "open document store", err)
	}
	return ds, nil
}

func runDocsList(opts *DocsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ds, err := openDocumentStore(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer ds.Close()

	ids, err := ds.Documents().ListIDs(cmd.Context(), opts.DocType)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "docs list", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(DocsList{Type: opts.DocType, IDs: ids, Count: len(ids)})
	}
	if len(ids) == 0 {
		fmt.Fprintf(formatter.Writer, "No %s documents.\n", opts.DocType)
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(formatter.Writer, id)
	}
	return nil
}

func runDocsGet(opts *DocsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ds, err := openDocumentStore(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer ds.Close()

	var data json.RawMessage
	version, err := ds.Documents().LoadDocument(cmd.Context(), opts.DocType, opts.ID, &data)
	if err != nil {
		code := ErrCodeGeneric
		if errors.Is(err, marten.ErrNotFound) {
			code = ErrCodeDocNotFound
		}
		_ = formatter.Error(code, err.Error(), nil)
		return WrapExitError(ExitFailure, "docs get", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(DocsGet{Type: opts.DocType, ID: opts.ID, Version: version, Data: data})
	}
	fmt.Fprintf(formatter.Writer, "%s %s (version %d)\n%s\n", opts.DocType, opts.ID, version, data)
	return nil
}
