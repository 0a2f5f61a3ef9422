// Package session tracks one unit of work: the documents stored, inserted,
// updated or deleted since the last flush.
//
// Store classifies each document by its identity field. A numeric or token
// identity that is still at its zero value marks a new document: the session
// generates an identity through the type's strategy, writes it into the
// document and files it as an insert. Any other identity files the document
// as an update. Assigned (string) identities are inserts unless the caller
// uses Update.
//
// Pending changes are grouped per document type in order of first use.
// Flush hands all of them to the Persister as one ChangeSet and empties the
// session only when the Persister accepts it:
//
//	s := session.New(reg, st, session.WithBatchSize(250))
//	if err := s.Store(ctx, &User{Name: "ann"}); err != nil {
//		return err
//	}
//	res, err := s.Flush(ctx)
//
// A Session has a single owner. The Registry and strategies it uses are
// shared between sessions and safe for concurrent use.
package session
