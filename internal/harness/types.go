package harness

import "github.com/teamdynamiq/marten/internal/session"

// Step outcomes recorded in the trace.
const (
	OutcomeInsert    = "insert"
	OutcomeUpdate    = "update"
	OutcomeDelete    = "delete"
	OutcomeFlushed   = "flushed"
	OutcomeDiscarded = "discarded"
	OutcomeFloorSet  = "floor_set"
	OutcomeArmed     = "armed"
	OutcomeRejected  = "rejected"
	OutcomeUntracked = "untracked"
)

// TraceEvent records what one step did to the session.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	Op   string `json:"op"`
	Type string `json:"type,omitempty"`
	Ref  string `json:"ref,omitempty"`

	// ID is the document identity after the step ran.
	ID string `json:"id,omitempty"`

	Outcome string `json:"outcome"`

	// Error is the error code when the step failed.
	Error string `json:"error,omitempty"`

	// Refills counts sequence source calls the step caused.
	Refills int `json:"refills,omitempty"`

	// Flushed reports a successful flush.
	Flushed *session.Result `json:"flushed,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step met its expectation
	// and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
