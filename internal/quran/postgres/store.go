package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rattil/rattil/internal/quran"
)

// Compile-time interface checks.
var (
	_ quran.Store    = (*Store)(nil)
	_ quran.Importer = (*Store)(nil)
)

// Store is a PostgreSQL-backed verse corpus. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the database at
// dsn, verifies connectivity, and runs [Migrate] to ensure the schema
// exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("quran postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("quran postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("quran postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("quran postgres: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Passage implements [quran.Store.Passage].
func (s *Store) Passage(ctx context.Context, surah int) ([]quran.Verse, error) {
	q := `SELECT surah, ayah, text FROM verses WHERE surah = $1 ORDER BY ayah`

	rows, err := s.pool.Query(ctx, q, surah)
	if err != nil {
		return nil, fmt.Errorf("quran postgres: passage %d: %w", surah, err)
	}
	verses, err := pgx.CollectRows(rows, collectVerse)
	if err != nil {
		return nil, fmt.Errorf("quran postgres: passage %d: %w", surah, err)
	}
	if len(verses) == 0 {
		return nil, quran.ErrNotFound
	}
	return verses, nil
}

// Lookup implements [quran.Store.Lookup].
func (s *Store) Lookup(ctx context.Context, surah, ayah int) (quran.Verse, error) {
	q := `SELECT surah, ayah, text FROM verses WHERE surah = $1 AND ayah = $2`

	var v quran.Verse
	err := s.pool.QueryRow(ctx, q, surah, ayah).Scan(&v.Surah, &v.Ayah, &v.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return quran.Verse{}, quran.ErrNotFound
	}
	if err != nil {
		return quran.Verse{}, fmt.Errorf("quran postgres: lookup %d:%d: %w", surah, ayah, err)
	}
	return v, nil
}

// Corpus implements [quran.Store.Corpus].
func (s *Store) Corpus(ctx context.Context) ([]quran.Verse, error) {
	q := `SELECT surah, ayah, text FROM verses ORDER BY surah, ayah`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("quran postgres: corpus: %w", err)
	}
	verses, err := pgx.CollectRows(rows, collectVerse)
	if err != nil {
		return nil, fmt.Errorf("quran postgres: corpus: %w", err)
	}
	return verses, nil
}

// Import implements [quran.Importer.Import]. All verses are validated
// before anything is written; the writes themselves go out as a single
// batch of upserts.
func (s *Store) Import(ctx context.Context, verses []quran.Verse) (int, error) {
	for i, v := range verses {
		if err := v.Validate(); err != nil {
			return 0, fmt.Errorf("quran postgres: import at index %d: %w", i, err)
		}
	}

	q := `INSERT INTO verses (surah, ayah, text) VALUES ($1, $2, $3)
	      ON CONFLICT (surah, ayah) DO UPDATE SET text = EXCLUDED.text`

	batch := &pgx.Batch{}
	for _, v := range verses {
		batch.Queue(q, v.Surah, v.Ayah, v.Text)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range verses {
		if _, err := results.Exec(); err != nil {
			return i, fmt.Errorf("quran postgres: import verse %s: %w", verses[i].Ref(), err)
		}
	}
	return len(verses), nil
}

// Ping verifies database connectivity. Health checks use it as a
// readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("quran postgres: ping: %w", err)
	}
	return nil
}

// Close implements [quran.Store.Close]. It releases all connections held
// by the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collectVerse(row pgx.CollectableRow) (quran.Verse, error) {
	var v quran.Verse
	err := row.Scan(&v.Surah, &v.Ayah, &v.Text)
	return v, err
}
