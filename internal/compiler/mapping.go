package compiler

import (
	"fmt"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/teamdynamiq/marten/internal/identity"
)

// Settings holds store-wide defaults declared in mapping files.
// Zero means "not declared".
type Settings struct {
	BlockSize int64 `json:"block_size,omitempty"`
	BatchSize int   `json:"batch_size,omitempty"`
}

// DocumentSpec declares identity settings for one document type alias.
type DocumentSpec struct {
	Alias     string        `json:"alias"`
	Kind      identity.Kind `json:"kind"`
	BlockSize int64         `json:"block_size,omitempty"`
	Pos       token.Pos     `json:"-"`
}

// MappingSpec is the compiled form of a set of mapping files.
type MappingSpec struct {
	Settings  Settings       `json:"settings"`
	Documents []DocumentSpec `json:"documents"`
}

// Compile parses a CUE value holding `settings` and `document` sections.
// Uses CUE SDK's Go API directly.
//
//	settings: { block_size: 100, batch_size: 250 }
//	document: user: { identity: "numeric", block_size: 25 }
//	document: order: { identity: "token" }
func Compile(v cue.Value) (*MappingSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &MappingSpec{}

	settingsVal := v.LookupPath(cue.ParsePath("settings"))
	if settingsVal.Exists() {
		settings, err := CompileSettings(settingsVal)
		if err != nil {
			return nil, err
		}
		spec.Settings = *settings
	}

	docsVal := v.LookupPath(cue.ParsePath("document"))
	if docsVal.Exists() {
		iter, err := docsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			doc, err := CompileDocument(iter.Value())
			if err != nil {
				return nil, err
			}
			spec.Documents = append(spec.Documents, *doc)
		}
	}

	sort.Slice(spec.Documents, func(i, j int) bool {
		return spec.Documents[i].Alias < spec.Documents[j].Alias
	})
	return spec, nil
}

// CompileSettings parses the `settings` struct.
func CompileSettings(v cue.Value) (*Settings, error) {
	s := &Settings{}

	blockSize, ok, err := lookupInt(v, "block_size")
	if err != nil {
		return nil, err
	}
	if ok {
		s.BlockSize = blockSize
	}

	batchSize, ok, err := lookupInt(v, "batch_size")
	if err != nil {
		return nil, err
	}
	if ok {
		s.BatchSize = int(batchSize)
	}
	return s, nil
}

// CompileDocument parses one entry under `document`. The alias is the
// entry's label.
func CompileDocument(v cue.Value) (*DocumentSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	doc := &DocumentSpec{Pos: v.Pos()}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		doc.Alias = labels[len(labels)-1].String()
	}

	identVal := v.LookupPath(cue.ParsePath("identity"))
	if !identVal.Exists() {
		return nil, &CompileError{
			Field:   "identity",
			Message: fmt.Sprintf("document %q: identity is required", doc.Alias),
			Pos:     v.Pos(),
		}
	}
	identStr, err := identVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	kind, err := identity.ParseKind(identStr)
	if err != nil {
		return nil, &CompileError{
			Field:   "identity",
			Message: fmt.Sprintf("document %q: %v (want numeric, token or assigned)", doc.Alias, err),
			Pos:     identVal.Pos(),
		}
	}
	doc.Kind = kind

	blockSize, ok, err := lookupInt(v, "block_size")
	if err != nil {
		return nil, err
	}
	if ok {
		if kind != identity.Numeric {
			return nil, &CompileError{
				Field:   "block_size",
				Message: fmt.Sprintf("document %q: block_size only applies to numeric identities", doc.Alias),
				Pos:     v.LookupPath(cue.ParsePath("block_size")).Pos(),
			}
		}
		doc.BlockSize = blockSize
	}

	return doc, nil
}

// lookupInt reads an optional positive integer field. Floats are rejected.
func lookupInt(v cue.Value, field string) (int64, bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, false, nil
	}
	if k := fv.IncompleteKind(); k != cue.IntKind {
		return 0, false, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("must be an integer, got %v", k),
			Pos:     fv.Pos(),
		}
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, false, formatCUEError(err)
	}
	if n <= 0 {
		return 0, false, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("must be positive, got %d", n),
			Pos:     fv.Pos(),
		}
	}
	return n, true, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
