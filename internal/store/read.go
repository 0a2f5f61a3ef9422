package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// LoadDocument reads the body stored under (docType, id) into dst and
// returns its version.
func (s *Store) LoadDocument(ctx context.Context, docType, id string, dst any) (int64, error) {
	var data string
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT data, version FROM mt_documents
		WHERE doc_type = ? AND id = ?
	`, docType, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("load %s %s: %w", docType, id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("load %s %s: %w", docType, id, err)
	}

	if err := unmarshalDocument(data, dst); err != nil {
		return 0, fmt.Errorf("load %s %s: %w", docType, id, err)
	}
	return version, nil
}

// CountDocuments returns how many documents of docType are stored.
func (s *Store) CountDocuments(ctx context.Context, docType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mt_documents WHERE doc_type = ?`, docType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", docType, err)
	}
	return n, nil
}

// ListIDs returns the storage keys of every docType document.
// Ordered by key (binary collation) for deterministic output.
//
// Returns an empty slice (not nil) if none exist.
func (s *Store) ListIDs(ctx context.Context, docType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM mt_documents
		WHERE doc_type = ?
		ORDER BY id COLLATE BINARY ASC
	`, docType)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", docType, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", docType, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s ids: %w", docType, err)
	}
	return ids, nil
}
