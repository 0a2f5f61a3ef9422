package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s -> %s", ev.Seq, ev.Op, ev.Type, ev.Ref, ev.Outcome)
			if ev.ID != "" {
				fmt.Fprintf(&buf, " id=%s", ev.ID)
			}
			if ev.Error != "" {
				fmt.Fprintf(&buf, " error=%s", ev.Error)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// assertPending checks the size of one pending bucket, optionally
// restricted to a document type.
func (h *Harness) assertPending(trace []TraceEvent, a Assertion) error {
	count := 0
	switch a.Bucket {
	case "inserts":
		count = h.countDocs(h.session.Inserts(), a.DocType)
	case "updates":
		count = h.countDocs(h.session.Updates(), a.DocType)
	case "deletes":
		for _, d := range h.session.Deletes() {
			if a.DocType == "" || d.DocType == a.DocType {
				count++
			}
		}
	}

	if count != a.Count {
		what := a.Bucket
		if a.DocType != "" {
			what = a.DocType + " " + what
		}
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%d pending %s", a.Count, what),
			Actual:   fmt.Sprintf("%d pending %s", count, what),
			Trace:    trace,
		}
	}
	return nil
}

func (h *Harness) countDocs(docs []any, docType string) int {
	if docType == "" {
		return len(docs)
	}
	n := 0
	for _, d := range docs {
		m, err := h.reg.Resolve(d)
		if err == nil && m.Alias == docType {
			n++
		}
	}
	return n
}

// assertIdentity checks the identity carried by a named document.
func (h *Harness) assertIdentity(trace []TraceEvent, a Assertion) error {
	doc, ok := h.docs[a.Ref]
	if !ok {
		return fmt.Errorf("identity assertion: unknown ref %q", a.Ref)
	}
	m, err := h.reg.Resolve(doc)
	if err != nil {
		return err
	}
	id, err := m.Identity(doc)
	if err != nil {
		return err
	}

	want := fmt.Sprint(a.Equals)
	if id.String() != want {
		return &AssertionError{
			Type:     AssertIdentity,
			Expected: fmt.Sprintf("%s has identity %s", a.Ref, want),
			Actual:   fmt.Sprintf("%s has identity %s", a.Ref, id.String()),
			Trace:    trace,
		}
	}
	return nil
}

// assertRefills checks how often the sequence source was called for a type.
func (h *Harness) assertRefills(trace []TraceEvent, a Assertion) error {
	calls := h.seq.Calls(a.DocType)
	if calls != a.Count {
		return &AssertionError{
			Type:     AssertRefills,
			Expected: fmt.Sprintf("%d refills of %s", a.Count, a.DocType),
			Actual:   fmt.Sprintf("%d refills", calls),
			Trace:    trace,
		}
	}
	return nil
}

// assertFlushes checks how many change sets the persister accepted.
func (h *Harness) assertFlushes(trace []TraceEvent, a Assertion) error {
	accepted := len(h.persister.ChangeSets())
	if accepted != a.Count {
		return &AssertionError{
			Type:     AssertFlushes,
			Expected: fmt.Sprintf("%d accepted flushes", a.Count),
			Actual:   fmt.Sprintf("%d accepted flushes", accepted),
			Trace:    trace,
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the harness state.
// Returns a slice of error messages for failed assertions.
func (h *Harness) EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertPending:
			err = h.assertPending(result.Trace, assertion)
		case AssertIdentity:
			err = h.assertIdentity(result.Trace, assertion)
		case AssertRefills:
			err = h.assertRefills(result.Trace, assertion)
		case AssertFlushes:
			err = h.assertFlushes(result.Trace, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
