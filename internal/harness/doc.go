// Package harness runs scripted session scenarios for conformance testing.
//
// A scenario drives one session through store, delete and flush steps
// against in-memory collaborators, then checks pending buckets, identities,
// refill counts and accepted flushes. WithDatabase runs the same steps
// against a SQLite document store, with refill and flush failures injected
// in front of it.
//
// # Scenario Format
//
//	name: refill_failure
//	description: "A failed refill rejects the store and leaves state intact"
//	block_size: 1
//	steps:
//	  - op: store
//	    type: numeric
//	    ref: first
//	  - op: fail_next_refill
//	  - op: store
//	    type: numeric
//	    ref: second
//	    error: GENERATION_UNAVAILABLE
//	  - op: flush
//	assertions:
//	  - type: pending
//	    bucket: inserts
//	    count: 0
//	  - type: identity
//	    ref: first
//	    equals: 1
//	  - type: refills
//	    doc_type: numeric
//	    count: 2
//
// # Document Types
//
// Four built-in types cover every identity kind:
//
//   - numeric: int64 Id generated by Hi-Lo
//   - small: int32 Id generated by Hi-Lo (for overflow checks)
//   - token: uuid.UUID ID handed out from the scenario's tokens
//   - assigned: string key supplied by the caller
//
// Reusing a ref reuses the same document instance. A step's id field is
// written into the document before the operation runs.
//
// # Determinism
//
// Every run starts from zeroed counters and a fixed token list
// (00000000-0000-0000-0000-000000000001, ...002 and so on when the scenario
// names none), so traces are reproducible and can be compared against golden
// files with RunWithGolden.
package harness
