package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/teamdynamiq/marten/internal/session"
)

// Execute applies a flushed change set in one transaction: deletes first,
// then inserts, then updates. Statements carry at most cs.BatchSize rows.
//
// Inserts fail if the key already exists. Updates upsert the body and bump
// the stored version. Any error rolls back the whole change set.
//
// Implements session.Persister.
func (s *Store) Execute(ctx context.Context, cs session.ChangeSet) error {
	if cs.Len() == 0 {
		return nil
	}
	batch := cs.BatchSize
	if batch <= 0 {
		batch = session.DefaultBatchSize
	}

	inserts, err := encodeOperations(cs.Inserts)
	if err != nil {
		return fmt.Errorf("execute change set: %w", err)
	}
	updates, err := encodeOperations(cs.Updates)
	if err != nil {
		return fmt.Errorf("execute change set: %w", err)
	}

	err = s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		for _, group := range groupByType(cs.Deletes) {
			for _, chunk := range chunks(group, batch) {
				if err := deleteChunk(ctx, tx, chunk); err != nil {
					return err
				}
			}
		}
		for _, chunk := range chunks(inserts, batch) {
			if err := writeChunk(ctx, tx, chunk, false); err != nil {
				return err
			}
		}
		for _, chunk := range chunks(updates, batch) {
			if err := writeChunk(ctx, tx, chunk, true); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("execute change set: %w", err)
	}
	return nil
}

type encodedDoc struct {
	docType string
	id      string
	data    string
}

func encodeOperations(ops []session.Operation) ([]encodedDoc, error) {
	out := make([]encodedDoc, 0, len(ops))
	for _, op := range ops {
		data, err := marshalDocument(op.Document)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", op.DocType, op.ID, err)
		}
		out = append(out, encodedDoc{docType: op.DocType, id: op.ID.String(), data: data})
	}
	return out, nil
}

// groupByType splits ops into runs of one document type, keeping first
// appearance order.
func groupByType(ops []session.Operation) [][]session.Operation {
	var groups [][]session.Operation
	index := make(map[string]int)
	for _, op := range ops {
		i, ok := index[op.DocType]
		if !ok {
			i = len(groups)
			index[op.DocType] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], op)
	}
	return groups
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func deleteChunk(ctx context.Context, tx *sql.Tx, ops []session.Operation) error {
	args := make([]any, 0, len(ops)+1)
	args = append(args, ops[0].DocType)
	for _, op := range ops {
		args = append(args, op.ID.String())
	}

	query := fmt.Sprintf(`DELETE FROM mt_documents WHERE doc_type = ? AND id IN (%s)`, placeholders(len(ops), "?"))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %d %s documents: %w", len(ops), ops[0].DocType, err)
	}
	return nil
}

func writeChunk(ctx context.Context, tx *sql.Tx, docs []encodedDoc, upsert bool) error {
	args := make([]any, 0, len(docs)*3)
	for _, d := range docs {
		args = append(args, d.docType, d.id, d.data)
	}

	query := fmt.Sprintf(`INSERT INTO mt_documents (doc_type, id, data, version) VALUES %s`,
		placeholders(len(docs), "(?, ?, ?, 1)"))
	op := "insert"
	if upsert {
		query += ` ON CONFLICT(doc_type, id) DO UPDATE SET data = excluded.data, version = mt_documents.version + 1`
		op = "update"
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s %d documents: %w", op, len(docs), err)
	}
	return nil
}

func placeholders(n int, unit string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = unit
	}
	return strings.Join(parts, ", ")
}
