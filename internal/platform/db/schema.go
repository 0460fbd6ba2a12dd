package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// QuoteSchema validates a target schema name and returns it quoted for SQL.
func QuoteSchema(schema string) (string, error) {
	if !schemaPattern.MatchString(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}
	return pgx.Identifier{schema}.Sanitize(), nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// SetSearchPath points unqualified table names at schema for the rest of the
// session or transaction q belongs to.
func SetSearchPath(ctx context.Context, q execer, schema string) error {
	s, err := QuoteSchema(schema)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", s)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	return nil
}
