// Package sqlstore keeps cassettes in a SQL database, one row per
// interaction. It works with SQLite (modernc.org/sqlite) and PostgreSQL
// (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/thegreatape/betamax/cassette"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind turns ? placeholders into $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

// New wraps an open database and creates the tables if needed.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate cassette tables: %w", err)
	}
	return s, nil
}

// Open opens dsn with the dialect's driver. The store closes the database
// on Close.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite && strings.Contains(dsn, ":memory:") {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS cassettes (
			name TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cassette_interactions (
			cassette TEXT NOT NULL,
			position INTEGER NOT NULL,
			interaction TEXT NOT NULL,
			PRIMARY KEY (cassette, position)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Load(ctx context.Context, name string) ([]cassette.Interaction, error) {
	var version string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT version FROM cassettes WHERE name = ?`), name).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cassette.ErrNotFound
	}
	if err != nil {
		return nil, cassette.NewStorageError("load", name, err)
	}
	if err := cassette.CheckVersion(version); err != nil {
		return nil, cassette.NewStorageError("load", name, err)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT interaction FROM cassette_interactions WHERE cassette = ? ORDER BY position`), name)
	if err != nil {
		return nil, cassette.NewStorageError("load", name, err)
	}
	defer func() { _ = rows.Close() }()

	interactions := []cassette.Interaction{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, cassette.NewStorageError("load", name, err)
		}
		var di cassette.DocumentInteraction
		if err := json.Unmarshal([]byte(raw), &di); err != nil {
			return nil, cassette.NewStorageError("load", name, err)
		}
		it, err := di.Interaction(len(interactions))
		if err != nil {
			return nil, cassette.NewStorageError("load", name, err)
		}
		interactions = append(interactions, it)
	}
	if err := rows.Err(); err != nil {
		return nil, cassette.NewStorageError("load", name, err)
	}
	return interactions, nil
}

// Save replaces the cassette in a single transaction.
func (s *Store) Save(ctx context.Context, name string, interactions []cassette.Interaction) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cassette.NewStorageError("save", name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = cassette.NewStorageError("save", name, err)
		}
	}()

	_, err = tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO cassettes (name, version, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`),
		name, cassette.FormatVersion, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM cassette_interactions WHERE cassette = ?`), name); err != nil {
		return err
	}
	for i, it := range interactions {
		raw, merr := json.Marshal(cassette.NewDocumentInteraction(it))
		if merr != nil {
			return merr
		}
		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO cassette_interactions (cassette, position, interaction) VALUES (?, ?, ?)`),
			name, i, string(raw))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
