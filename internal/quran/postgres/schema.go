// Package postgres provides a PostgreSQL-backed [quran.Store] for
// deployments that keep the full mushaf in a shared database.
//
// All operations go through a single [pgxpool.Pool]. [Migrate] creates the
// verses table on startup; imports upsert on the (surah, ayah) primary key
// so a corpus can be re-imported in place.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	verses, _ := store.Passage(ctx, 1)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — verse corpus
// ─────────────────────────────────────────────────────────────────────────────

const ddlVerses = `
CREATE TABLE IF NOT EXISTS verses (
    surah  INTEGER  NOT NULL,
    ayah   INTEGER  NOT NULL,
    text   TEXT     NOT NULL,
    PRIMARY KEY (surah, ayah)
);
`

// Migrate ensures all tables required by this package exist. It is called
// automatically by [New] and is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlVerses,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
