package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/teamdynamiq/marten/internal/identity"
)

// Validation error codes (E100-E199)
const (
	ErrInvalidBlockSize  = "E101" // block_size must be positive
	ErrInvalidBatchSize  = "E102" // batch_size must be positive
	ErrInvalidAlias      = "E103" // alias must be a lower-case identifier
	ErrUnknownIdentity   = "E104" // identity kind not set or unknown
	ErrDuplicateAlias    = "E105" // alias declared twice (case-insensitive)
	ErrBlockSizeNotValid = "E106" // block_size on a non-numeric document
)

// ValidationError represents a mapping validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// aliasPattern matches document aliases: lower-case, starting with a letter.
var aliasPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks a compiled MappingSpec.
// Returns all errors found (does not fail-fast).
func Validate(spec *MappingSpec) []ValidationError {
	var errs []ValidationError

	if spec.Settings.BlockSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "settings.block_size",
			Message: fmt.Sprintf("block_size must be positive, got %d", spec.Settings.BlockSize),
			Code:    ErrInvalidBlockSize,
		})
	}
	if spec.Settings.BatchSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "settings.batch_size",
			Message: fmt.Sprintf("batch_size must be positive, got %d", spec.Settings.BatchSize),
			Code:    ErrInvalidBatchSize,
		})
	}

	seen := make(map[string]string)
	for i, doc := range spec.Documents {
		field := fmt.Sprintf("document.%s", doc.Alias)
		line := 0
		if doc.Pos.IsValid() {
			line = doc.Pos.Line()
		}

		if !aliasPattern.MatchString(doc.Alias) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("documents[%d].alias", i),
				Message: fmt.Sprintf("invalid alias %q, must match %s", doc.Alias, aliasPattern),
				Code:    ErrInvalidAlias,
				Line:    line,
			})
		}

		folded := strings.ToLower(doc.Alias)
		if prev, ok := seen[folded]; ok {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("alias %q collides with %q", doc.Alias, prev),
				Code:    ErrDuplicateAlias,
				Line:    line,
			})
		}
		seen[folded] = doc.Alias

		switch doc.Kind {
		case identity.Numeric, identity.Token, identity.Assigned:
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".identity",
				Message: "identity must be numeric, token or assigned",
				Code:    ErrUnknownIdentity,
				Line:    line,
			})
		}

		if doc.BlockSize < 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".block_size",
				Message: fmt.Sprintf("block_size must be positive, got %d", doc.BlockSize),
				Code:    ErrInvalidBlockSize,
				Line:    line,
			})
		}
		if doc.BlockSize != 0 && doc.Kind != identity.Numeric {
			errs = append(errs, ValidationError{
				Field:   field + ".block_size",
				Message: fmt.Sprintf("block_size only applies to numeric identities, %q is %s", doc.Alias, doc.Kind),
				Code:    ErrBlockSizeNotValid,
				Line:    line,
			})
		}
	}

	return errs
}
