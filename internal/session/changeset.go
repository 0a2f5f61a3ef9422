package session

import (
	"context"

	"github.com/teamdynamiq/marten/internal/identity"
)

// DefaultBatchSize is the maximum number of documents per storage statement
// when no batch size is configured.
const DefaultBatchSize = 500

// Operation is one document write or delete in a ChangeSet.
type Operation struct {
	DocType  string         // document type alias
	ID       identity.Value // identity at flush time
	Document any            // the tracked instance; nil for deletes
}

// ChangeSet is everything one Flush hands to the Persister.
//
// Within each list, operations are grouped by document type in order of the
// type's first appearance in the session, and in arrival order within a type.
type ChangeSet struct {
	Deletes   []Operation
	Inserts   []Operation
	Updates   []Operation
	BatchSize int
}

// Len returns the total number of operations.
func (cs ChangeSet) Len() int {
	return len(cs.Deletes) + len(cs.Inserts) + len(cs.Updates)
}

// Persister applies a ChangeSet to storage.
//
// Execute must apply all operations or none: on error the session keeps its
// pending changes so the caller can retry the same flush.
type Persister interface {
	Execute(ctx context.Context, cs ChangeSet) error
}

// PersisterFunc adapts a function to the Persister interface.
type PersisterFunc func(ctx context.Context, cs ChangeSet) error

// Execute calls f.
func (f PersisterFunc) Execute(ctx context.Context, cs ChangeSet) error {
	return f(ctx, cs)
}

// Result reports what a successful Flush wrote.
type Result struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
}

// Deletion is a pending delete by key.
type Deletion struct {
	DocType string
	ID      identity.Value
}
