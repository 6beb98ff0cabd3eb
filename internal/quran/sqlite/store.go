// Package sqlite provides a file-backed [quran.Store] using SQLite. It
// suits single-machine deployments and the CLI, where a full PostgreSQL
// instance is not worth the setup.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rattil/rattil/internal/quran"

	_ "modernc.org/sqlite" // SQLite driver.
)

// Compile-time interface checks.
var (
	_ quran.Store    = (*Store)(nil)
	_ quran.Importer = (*Store)(nil)
)

// Store wraps SQLite access to the verse corpus.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at path and applies
// migrations. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("quran sqlite: create directory %q: %w", dir, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("quran sqlite: open %q: %w", path, err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("quran sqlite: migrate: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS verses (
			surah INTEGER NOT NULL,
			ayah INTEGER NOT NULL,
			text TEXT NOT NULL,
			PRIMARY KEY (surah, ayah)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Passage implements [quran.Store.Passage].
func (s *Store) Passage(ctx context.Context, surah int) ([]quran.Verse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT surah, ayah, text FROM verses WHERE surah = ? ORDER BY ayah`, surah)
	if err != nil {
		return nil, fmt.Errorf("quran sqlite: passage %d: %w", surah, err)
	}
	defer rows.Close()

	var verses []quran.Verse
	for rows.Next() {
		var v quran.Verse
		if err := rows.Scan(&v.Surah, &v.Ayah, &v.Text); err != nil {
			return nil, fmt.Errorf("quran sqlite: passage %d: %w", surah, err)
		}
		verses = append(verses, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quran sqlite: passage %d: %w", surah, err)
	}
	if len(verses) == 0 {
		return nil, quran.ErrNotFound
	}
	return verses, nil
}

// Lookup implements [quran.Store.Lookup].
func (s *Store) Lookup(ctx context.Context, surah, ayah int) (quran.Verse, error) {
	var v quran.Verse
	err := s.db.QueryRowContext(ctx,
		`SELECT surah, ayah, text FROM verses WHERE surah = ? AND ayah = ?`,
		surah, ayah).Scan(&v.Surah, &v.Ayah, &v.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return quran.Verse{}, quran.ErrNotFound
	}
	if err != nil {
		return quran.Verse{}, fmt.Errorf("quran sqlite: lookup %d:%d: %w", surah, ayah, err)
	}
	return v, nil
}

// Corpus implements [quran.Store.Corpus].
func (s *Store) Corpus(ctx context.Context) ([]quran.Verse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT surah, ayah, text FROM verses ORDER BY surah, ayah`)
	if err != nil {
		return nil, fmt.Errorf("quran sqlite: corpus: %w", err)
	}
	defer rows.Close()

	var verses []quran.Verse
	for rows.Next() {
		var v quran.Verse
		if err := rows.Scan(&v.Surah, &v.Ayah, &v.Text); err != nil {
			return nil, fmt.Errorf("quran sqlite: corpus: %w", err)
		}
		verses = append(verses, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quran sqlite: corpus: %w", err)
	}
	return verses, nil
}

// Import implements [quran.Importer.Import]. The verses are written in a
// single transaction; on error nothing is committed.
func (s *Store) Import(ctx context.Context, verses []quran.Verse) (int, error) {
	for i, v := range verses {
		if err := v.Validate(); err != nil {
			return 0, fmt.Errorf("quran sqlite: import at index %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("quran sqlite: begin import: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO verses (surah, ayah, text) VALUES (?, ?, ?)
		 ON CONFLICT (surah, ayah) DO UPDATE SET text = excluded.text`)
	if err != nil {
		return 0, fmt.Errorf("quran sqlite: prepare import: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, v := range verses {
		if _, err = stmt.ExecContext(ctx, v.Surah, v.Ayah, v.Text); err != nil {
			return i, fmt.Errorf("quran sqlite: import verse %s: %w", v.Ref(), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("quran sqlite: commit import: %w", err)
	}
	return len(verses), nil
}

// Ping verifies the database file is readable. Health checks use it as a
// readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("quran sqlite: ping: %w", err)
	}
	return nil
}

// Close implements [quran.Store.Close].
func (s *Store) Close() error {
	return s.db.Close()
}
