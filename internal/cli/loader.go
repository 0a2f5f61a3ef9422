package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/teamdynamiq/marten/internal/compiler"
)

// LoadResult contains the mapping files loaded from a directory.
type LoadResult struct {
	Spec      *compiler.MappingSpec
	CUEValue  cue.Value // raw value, for callers that need more than the spec
	FileCount int
}

// LoadError represents an error that occurred while loading mapping files.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadMappings loads and compiles the CUE mapping files in dir.
// Every failure is a *LoadError.
func LoadMappings(dir string) (*LoadResult, error) {
	value, count, loadErr := loadValue(dir)
	if loadErr != nil {
		return nil, loadErr
	}

	spec, err := compiler.Compile(value)
	if err != nil {
		return nil, convertCompileError(err)
	}
	if len(spec.Documents) == 0 && spec.Settings == (compiler.Settings{}) {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: "no settings or documents found in mapping files"}
	}

	return &LoadResult{
		Spec:      spec,
		CUEValue:  value,
		FileCount: count,
	}, nil
}

// loadValue builds the CUE value for the files in dir.
func loadValue(dir string) (cue.Value, int, *LoadError) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("mapping directory not found: %s", dir)}
	}
	if err != nil {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing mapping directory: %v", err)}
	}
	if !info.IsDir() {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(cueFiles) == 0 {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return cue.Value{}, 0, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return value, len(cueFiles), nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// Error code constants, shared by all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeBackend     = "E007" // Sequence backend unavailable or unsupported
	ErrCodeDocNotFound = "E008" // Document not flushed
)

// MapFieldToErrorCode maps a compiler error field to a validation code.
func MapFieldToErrorCode(field string) string {
	switch field {
	case "block_size":
		return compiler.ErrInvalidBlockSize
	case "batch_size":
		return compiler.ErrInvalidBatchSize
	case "identity":
		return compiler.ErrUnknownIdentity
	default:
		return ErrCodeGeneric
	}
}
