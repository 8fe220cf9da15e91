// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlite implements the catalog primary store on embedded SQLite.
//
// It is the alternative to the BadgerDB store for deployments that want a
// single inspectable database file. Name uniqueness is a UNIQUE column, so
// concurrent creates race on the constraint and the loser gets DuplicateName.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	name           TEXT NOT NULL,
	name_key       TEXT UNIQUE,
	parent_id      TEXT NOT NULL DEFAULT '',
	version        INTEGER NOT NULL,
	resource_count INTEGER NOT NULL DEFAULT 0,
	body           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(kind, parent_id);
`

// Config configures the SQLite store.
type Config struct {
	// Path is the database file. Empty or ":memory:" opens a private
	// in-memory database.
	Path string

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration

	Logger *slog.Logger
}

// Store is the SQLite implementation of domain.PrimaryStore.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database and creates the schema.
//
// Description:
//
//	File databases run in WAL mode with immediate write transactions so
//	writers queue on the busy timeout instead of failing lock upgrades. An
//	in-memory database is pinned to one connection because every SQLite
//	connection would otherwise see its own empty database.
//
// Inputs:
//
//	ctx - Context for schema creation.
//	cfg - Store configuration.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close.
//	error - Non-nil if the database cannot be opened or migrated.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	inMemory := cfg.Path == "" || cfg.Path == ":memory:"
	pragmas := fmt.Sprintf("_txlock=immediate&_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
	var dsn string
	if inMemory {
		dsn = "file::memory:?" + pragmas
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?%s&_pragma=journal_mode(wal)", cfg.Path, pragmas)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "primary_store"))}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return domain.Normalize("ping", "", s.db.PingContext(ctx))
}

func (s *Store) FindByID(ctx context.Context, id string) (*domain.Entity, error) {
	e, err := findByID(ctx, s.db, id)
	return e, domain.Normalize("find", id, err)
}

func (s *Store) FindMany(ctx context.Context, f domain.Filter, srt domain.Sort, p domain.Pagination) (domain.Page, error) {
	page, err := findMany(ctx, s.db, f, srt, p)
	return page, domain.Normalize("find_many", "", err)
}

func (s *Store) Create(ctx context.Context, e *domain.Entity) error {
	return domain.Normalize("create", e.ID, create(ctx, s.db, e))
}

func (s *Store) Update(ctx context.Context, e *domain.Entity) error {
	return domain.Normalize("update", e.ID, updateEntity(ctx, s.db, e))
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return domain.Normalize("delete", id, deleteEntity(ctx, s.db, id))
}

// Increment adjusts ResourceCount in a single statement.
func (s *Store) Increment(ctx context.Context, id string, delta int64) (int64, error) {
	count, err := increment(ctx, s.db, id, delta)
	return count, domain.Normalize("increment", id, err)
}

// WithinTx runs fn inside one transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Normalize("transaction", "", err)
	}
	if err := fn(&txStore{tx: tx}); err != nil {
		_ = tx.Rollback()
		return domain.Normalize("transaction", "", err)
	}
	return domain.Normalize("transaction", "", tx.Commit())
}

// -----------------------------------------------------------------------------
// Statements shared by Store and txStore
// -----------------------------------------------------------------------------

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txStore struct {
	tx *sql.Tx
}

func (t *txStore) FindByID(ctx context.Context, id string) (*domain.Entity, error) {
	return findByID(ctx, t.tx, id)
}

func (t *txStore) FindMany(ctx context.Context, f domain.Filter, srt domain.Sort, p domain.Pagination) (domain.Page, error) {
	return findMany(ctx, t.tx, f, srt, p)
}

func (t *txStore) Create(ctx context.Context, e *domain.Entity) error {
	return create(ctx, t.tx, e)
}

func (t *txStore) Update(ctx context.Context, e *domain.Entity) error {
	return updateEntity(ctx, t.tx, e)
}

func (t *txStore) Delete(ctx context.Context, id string) error {
	return deleteEntity(ctx, t.tx, id)
}

func (t *txStore) Increment(ctx context.Context, id string, delta int64) (int64, error) {
	return increment(ctx, t.tx, id, delta)
}

func nameKey(e *domain.Entity) sql.NullString {
	if !e.Kind.UniqueNames() {
		return sql.NullString{}
	}
	return sql.NullString{String: string(e.Kind) + "/" + e.Name, Valid: true}
}

func scanEntity(body string, version, count int64) (*domain.Entity, error) {
	var e domain.Entity
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	e.Version = version
	e.ResourceCount = count
	return &e, nil
}

func findByID(ctx context.Context, q querier, id string) (*domain.Entity, error) {
	var (
		body           string
		version, count int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT body, version, resource_count FROM entities WHERE id = ?`, id).
		Scan(&body, &version, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.E(domain.KindNotFound, "find", id, nil)
	}
	if err != nil {
		return nil, err
	}
	return scanEntity(body, version, count)
}

func findMany(ctx context.Context, q querier, f domain.Filter, srt domain.Sort, p domain.Pagination) (domain.Page, error) {
	if err := srt.Validate(); err != nil {
		return domain.Page{}, err
	}

	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.ParentID != nil {
		where = append(where, "kind = ? AND parent_id = ?")
		args = append(args, string(domain.KindCategory), *f.ParentID)
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, domain.NormalizeName(f.Name))
	}
	query := `SELECT body, version, resource_count FROM entities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.Page{}, err
	}
	defer rows.Close()

	var candidates []*domain.Entity
	for rows.Next() {
		var (
			body           string
			version, count int64
		)
		if err := rows.Scan(&body, &version, &count); err != nil {
			return domain.Page{}, err
		}
		e, err := scanEntity(body, version, count)
		if err != nil {
			return domain.Page{}, err
		}
		candidates = append(candidates, e)
	}
	if err := rows.Err(); err != nil {
		return domain.Page{}, err
	}
	return domain.Select(candidates, f, srt, p), nil
}

func create(ctx context.Context, q querier, e *domain.Entity) error {
	if !e.Kind.Valid() {
		return domain.Errorf(domain.KindValidation, "create", e.ID, "unknown kind %q", e.Kind)
	}
	if e.ID == "" {
		return domain.Errorf(domain.KindValidation, "create", "", "missing id")
	}
	e.Name = domain.NormalizeName(e.Name)
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", e.ID, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO entities (id, kind, name, name_key, parent_id, version, resource_count, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Name, nameKey(e), e.ParentID, e.Version, e.ResourceCount, string(body))
	return mapConstraint("create", e, err)
}

func updateEntity(ctx context.Context, q querier, e *domain.Entity) error {
	next := e.Clone()
	next.Name = domain.NormalizeName(next.Name)
	next.Version = e.Version + 1
	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", e.ID, err)
	}
	var count int64
	err = q.QueryRowContext(ctx,
		`UPDATE entities SET name = ?, name_key = ?, parent_id = ?, version = ?, body = ?
		 WHERE id = ? AND kind = ? AND version = ? RETURNING resource_count`,
		next.Name, nameKey(next), next.ParentID, next.Version, string(body),
		e.ID, string(e.Kind), e.Version).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		stored, err := findByID(ctx, q, e.ID)
		if err != nil {
			return err
		}
		if stored.Kind != e.Kind {
			return domain.Errorf(domain.KindValidation, "update", e.ID, "kind is immutable")
		}
		return domain.Errorf(domain.KindConflict, "update", e.ID,
			"stale version %d, stored %d", e.Version, stored.Version)
	}
	if err != nil {
		return mapConstraint("update", next, err)
	}
	e.Name = next.Name
	e.ResourceCount = count
	e.Version = next.Version
	return nil
}

func increment(ctx context.Context, q querier, id string, delta int64) (int64, error) {
	var count int64
	err := q.QueryRowContext(ctx,
		`UPDATE entities SET resource_count = MAX(resource_count + ?, 0) WHERE id = ? RETURNING resource_count`,
		delta, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.E(domain.KindNotFound, "increment", id, nil)
	}
	return count, err
}

func deleteEntity(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.E(domain.KindNotFound, "delete", id, nil)
	}
	return nil
}

// mapConstraint converts UNIQUE violations into taxonomy errors.
func mapConstraint(op string, e *domain.Entity, err error) error {
	if err == nil {
		return nil
	}
	unique := errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) ||
		errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
	if !unique {
		return err
	}
	if strings.Contains(err.Error(), "name_key") {
		return domain.E(domain.KindDuplicateName, op, e.Name, nil)
	}
	return domain.Errorf(domain.KindConflict, op, e.ID, "id already exists")
}
