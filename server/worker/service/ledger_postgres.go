package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fm_server/server/common/infra/db"
	"fm_server/server/common/keyed"
	"fm_server/server/worker/domain"
)

const pgUniqueViolation = "23505"

// PostgresLedger stores records in <schema>.processed_files of the tenant's
// routed database. The table is created on first use per (dsn, schema);
// a slow DDL on one database does not hold up the others.
type PostgresLedger struct {
	router  *db.TenantDBRouter
	ensured *keyed.Cache[struct{}]
}

func NewPostgresLedger(router *db.TenantDBRouter) *PostgresLedger {
	return &PostgresLedger{router: router, ensured: keyed.New[struct{}](0)}
}

func (l *PostgresLedger) IsProcessed(ctx context.Context, tenantID string, configID int64, fingerprint string) (bool, error) {
	pool, desc, err := l.router.DBForTenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if err := l.ensureTable(ctx, pool, desc); err != nil {
		return false, err
	}
	var exists bool
	err = pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS(
			SELECT 1 FROM %s
			WHERE config_id=$1 AND file_hash=$2
		)
	`, processedTable(desc.Schema)), configID, fingerprint).Scan(&exists)
	return exists, err
}

func (l *PostgresLedger) MarkProcessed(ctx context.Context, tenantID string, record domain.ProcessedFileRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	pool, desc, err := l.router.DBForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := l.ensureTable(ctx, pool, desc); err != nil {
		return err
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}
	_, err = pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s(config_id, file_hash, file_name, file_modified_date, file_size, processed_date)
		VALUES($1, $2, $3, $4, $5, $6)
	`, processedTable(desc.Schema)), record.ConfigID, record.Fingerprint, record.FileName, record.ModTime.UTC(), record.SizeBytes, record.ProcessedAt)
	if isUniqueViolation(err) {
		return ErrLedgerConflict
	}
	return err
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (l *PostgresLedger) ensureTable(ctx context.Context, conn execer, desc db.Descriptor) error {
	_, _, err := l.ensured.GetOrCompute(ctx, desc.DSN+"|"+desc.Schema, func(ctx context.Context) (struct{}, error) {
		_, err := conn.Exec(ctx, fmt.Sprintf(`
			CREATE SCHEMA IF NOT EXISTS %s;
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				config_id BIGINT NOT NULL,
				file_hash TEXT NOT NULL,
				file_name TEXT NOT NULL,
				file_modified_date TIMESTAMPTZ NOT NULL,
				file_size BIGINT NOT NULL,
				processed_date TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (config_id, file_hash)
			)
		`, pgx.Identifier{schemaOrPublic(desc.Schema)}.Sanitize(), processedTable(desc.Schema)))
		if err != nil {
			return struct{}{}, fmt.Errorf("ensure processed_files in %s: %w", desc.Schema, err)
		}
		return struct{}{}, nil
	})
	return err
}

func processedTable(schema string) string {
	return pgx.Identifier{schemaOrPublic(schema), "processed_files"}.Sanitize()
}

func schemaOrPublic(schema string) string {
	if schema == "" {
		return "public"
	}
	return schema
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
