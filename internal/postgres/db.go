package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate creates the tables if needed and moves the reference sequence past
// the highest sequential reference already issued with prefix. Suffixes of
// eight digits or more are timestamp fallbacks and do not count.
func Migrate(ctx context.Context, pool *pgxpool.Pool, prefix string) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, err := pool.Exec(ctx, `
		WITH p AS (SELECT $1::text AS prefix),
		cur AS (
			SELECT GREATEST(
				(SELECT COALESCE(MAX(substring(o.payment_reference FROM length(p.prefix) + 1)::bigint), 0)
				   FROM orders o, p
				  WHERE lower(o.payment_reference) LIKE lower(p.prefix) || '%'
				    AND substring(o.payment_reference FROM length(p.prefix) + 1) ~ '^[0-9]{1,7}$'),
				(SELECT CASE WHEN is_called THEN last_value ELSE 0 END FROM payment_reference_seq)
			) AS n
		)
		SELECT setval('payment_reference_seq', GREATEST(n, 1), n > 0) FROM cur`, prefix)
	if err != nil {
		return fmt.Errorf("align reference sequence: %w", err)
	}
	return nil
}
