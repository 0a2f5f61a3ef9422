package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Ceiling is the persisted Hi-Lo counter for one document type.
type Ceiling struct {
	DocType string `json:"type"`
	HiValue int64  `json:"hi_value"`
}

// AdvanceBy atomically adds n to the Hi-Lo counter for docType and returns
// the new value. A missing counter starts at 0.
//
// The read and the write are one upsert statement, so concurrent processes
// sharing the database file never receive overlapping blocks.
func (s *Store) AdvanceBy(ctx context.Context, docType string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("advance %s: block size must be positive, got %d", docType, n)
	}

	var hi int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO mt_hilo (entity_name, hi_value)
			VALUES (?, ?)
			ON CONFLICT(entity_name) DO UPDATE SET hi_value = hi_value + excluded.hi_value
			RETURNING hi_value
		`, docType, n).Scan(&hi)
	})
	if err != nil {
		return 0, fmt.Errorf("advance %s: %w", docType, err)
	}
	return hi, nil
}

// SetFloor raises the counter for docType to at least floor and returns the
// resulting value. It never lowers an existing counter.
func (s *Store) SetFloor(ctx context.Context, docType string, floor int64) (int64, error) {
	if floor < 0 {
		return 0, fmt.Errorf("set floor %s: floor must not be negative, got %d", docType, floor)
	}

	var hi int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO mt_hilo (entity_name, hi_value)
			VALUES (?, ?)
			ON CONFLICT(entity_name) DO UPDATE SET hi_value = max(hi_value, excluded.hi_value)
			RETURNING hi_value
		`, docType, floor).Scan(&hi)
	})
	if err != nil {
		return 0, fmt.Errorf("set floor %s: %w", docType, err)
	}
	return hi, nil
}

// HiValue returns the counter for docType, or 0 if none was ever reserved.
func (s *Store) HiValue(ctx context.Context, docType string) (int64, error) {
	var hi int64
	err := s.db.QueryRowContext(ctx,
		`SELECT hi_value FROM mt_hilo WHERE entity_name = ?`, docType,
	).Scan(&hi)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read hi value %s: %w", docType, err)
	}
	return hi, nil
}

// Ceilings returns every persisted counter ordered by document type.
//
// Returns an empty slice (not nil) if no counters exist.
func (s *Store) Ceilings(ctx context.Context) ([]Ceiling, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_name, hi_value
		FROM mt_hilo
		ORDER BY entity_name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query ceilings: %w", err)
	}
	defer rows.Close()

	ceilings := []Ceiling{}
	for rows.Next() {
		var c Ceiling
		if err := rows.Scan(&c.DocType, &c.HiValue); err != nil {
			return nil, fmt.Errorf("scan ceiling: %w", err)
		}
		ceilings = append(ceilings, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ceilings: %w", err)
	}
	return ceilings, nil
}
