package terminology

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ingest/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore reads reference_code_map and reference_code_hierarchy.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *PGStore) Translate(ctx context.Context, fromSystem, code, toSystem string) (Concept, error) {
	c := Concept{System: toSystem}
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT target_code, COALESCE(target_display,'')
		 FROM reference_code_map
		 WHERE source_system = $1 AND source_code = $2 AND target_system = $3
		 ORDER BY priority LIMIT 1`, fromSystem, code, toSystem).
		Scan(&c.Code, &c.Display)
	if errors.Is(err, pgx.ErrNoRows) {
		return Concept{}, fmt.Errorf("translate %s %s: %w", fromSystem, code, ErrNotFound)
	}
	if err != nil {
		return Concept{}, fmt.Errorf("translate %s %s: %w", fromSystem, code, err)
	}
	return c, nil
}

func (s *PGStore) Parents(ctx context.Context, system, code string) ([]string, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT parent_code FROM reference_code_hierarchy
		 WHERE system = $1 AND code = $2 ORDER BY parent_code`, system, code)
	if err != nil {
		return nil, fmt.Errorf("parents %s %s: %w", system, code, err)
	}
	defer rows.Close()
	var parents []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		parents = append(parents, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, fmt.Errorf("parents %s %s: %w", system, code, ErrNotFound)
	}
	return parents, nil
}
