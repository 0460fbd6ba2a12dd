package filer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ingest/internal/platform/db"
	"github.com/ehr/ingest/internal/platform/fhir"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore upserts records into fhir_resource and appends every version to
// resource_history. All records of one envelope share a transaction.
type PGStore struct {
	pool   *pgxpool.Pool
	schema string
}

func NewPGStore(pool *pgxpool.Pool, schema string) *PGStore {
	return &PGStore{pool: pool, schema: schema}
}

func (s *PGStore) Write(ctx context.Context, env Envelope) error {
	return db.WithTx(ctx, s.pool, s.schema, func(ctx context.Context) error {
		q := db.TxFromContext(ctx)
		for _, r := range env.Resources {
			if err := upsertResource(ctx, q, env, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertResource(ctx context.Context, q querier, env Envelope, r fhir.Resource) error {
	typ, id := r.GetResourceType(), r.GetFHIRID()
	data, err := json.Marshal(r.ToFHIR())
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", typ, id, err)
	}

	var version int
	err = q.QueryRow(ctx, `
		INSERT INTO fhir_resource (id, resource_type, fhir_id, source, batch_id, version_id, resource)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (id) DO UPDATE SET
			resource = EXCLUDED.resource,
			batch_id = EXCLUDED.batch_id,
			version_id = fhir_resource.version_id + 1,
			updated_at = NOW()
		RETURNING version_id`,
		fhir.ResourceUUID(typ, id), typ, id, env.Source, env.BatchID, data,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", typ, id, err)
	}

	action := "update"
	if version == 1 {
		action = "create"
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO resource_history (resource_type, resource_id, version_id, resource, action, batch_id, provenance, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		typ, id, version, data, action, env.BatchID, env.Provenance.String(),
	); err != nil {
		return fmt.Errorf("save history %s/%s: %w", typ, id, err)
	}
	return nil
}

func (s *PGStore) Close(context.Context) error { return nil }
