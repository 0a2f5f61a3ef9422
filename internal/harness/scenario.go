package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario drives one session through a sequence of steps against in-memory
// collaborators and checks the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario (and names its golden file).
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// BlockSize is the Hi-Lo block size for every numeric type.
	BlockSize int64 `yaml:"block_size"`

	// BatchSize is the session batch size. Zero means the session default.
	BatchSize int `yaml:"batch_size,omitempty"`

	// Tokens are handed out in order to token documents that need an identity.
	// When empty, tokens 00000000-0000-0000-0000-000000000001, ...002 etc are used.
	Tokens []string `yaml:"tokens,omitempty"`

	// Steps are executed in order against one session.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation on the session or its collaborators.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Type is the built-in document type: numeric, small, token or assigned.
	Type string `yaml:"type,omitempty"`

	// Ref names the document instance. Reusing a ref reuses the same instance.
	Ref string `yaml:"ref,omitempty"`

	// ID, when present, is written into the document's identity field before
	// the step runs (or is the key for delete_id).
	ID any `yaml:"id,omitempty"`

	// Floor is the new counter floor for reset_floor.
	Floor int64 `yaml:"floor,omitempty"`

	// Error is the expected error code. Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`
}

// Step operations.
const (
	OpStore          = "store"
	OpInsert         = "insert"
	OpUpdate         = "update"
	OpDelete         = "delete"
	OpDeleteID       = "delete_id"
	OpFlush          = "flush"
	OpDiscard        = "discard"
	OpResetFloor     = "reset_floor"
	OpFailNextRefill = "fail_next_refill"
	OpFailNextFlush  = "fail_next_flush"
)

// Assertion validates the state after all steps ran.
type Assertion struct {
	// Type specifies the assertion type:
	// - "pending": Bucket holds exactly Count entries
	// - "identity": Document Ref carries identity Equals
	// - "refills": Sequence source was called Count times for DocType
	// - "flushes": Persister accepted Count change sets
	Type string `yaml:"type"`

	// Bucket is inserts, updates or deletes (used by pending).
	Bucket string `yaml:"bucket,omitempty"`

	// DocType restricts pending to one type; required for refills.
	DocType string `yaml:"doc_type,omitempty"`

	// Ref is the document reference (used by identity).
	Ref string `yaml:"ref,omitempty"`

	// Equals is the expected identity (used by identity).
	Equals any `yaml:"equals,omitempty"`

	// Count is the expected number (used by pending, refills, flushes).
	Count int `yaml:"count"`
}

// Assertion type constants.
const (
	AssertPending  = "pending"
	AssertIdentity = "identity"
	AssertRefills  = "refills"
	AssertFlushes  = "flushes"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive")
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	switch st.Op {
	case OpStore, OpInsert, OpUpdate, OpDelete:
		if _, ok := documentTypes[st.Type]; !ok {
			return fmt.Errorf("steps[%d]: unknown document type %q", index, st.Type)
		}
		if st.Ref == "" {
			return fmt.Errorf("steps[%d]: ref is required for %s", index, st.Op)
		}
	case OpDeleteID:
		if _, ok := documentTypes[st.Type]; !ok {
			return fmt.Errorf("steps[%d]: unknown document type %q", index, st.Type)
		}
		if st.ID == nil {
			return fmt.Errorf("steps[%d]: id is required for delete_id", index)
		}
	case OpResetFloor:
		if _, ok := documentTypes[st.Type]; !ok {
			return fmt.Errorf("steps[%d]: unknown document type %q", index, st.Type)
		}
	case OpFlush, OpDiscard, OpFailNextRefill, OpFailNextFlush:
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertPending:
		if a.Bucket != "inserts" && a.Bucket != "updates" && a.Bucket != "deletes" {
			return fmt.Errorf("assertions[%d]: bucket must be inserts, updates or deletes", index)
		}
	case AssertIdentity:
		if a.Ref == "" {
			return fmt.Errorf("assertions[%d]: ref is required for identity", index)
		}
		if a.Equals == nil {
			return fmt.Errorf("assertions[%d]: equals is required for identity", index)
		}
	case AssertRefills:
		if a.DocType == "" {
			return fmt.Errorf("assertions[%d]: doc_type is required for refills", index)
		}
	case AssertFlushes:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
