// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sqlitestore implements perfdb.Store on top of SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"acln.ro/perfdb"

	"github.com/golang/glog"
	_ "modernc.org/sqlite"
)

// Store is a SQLite database holding one export.
type Store struct {
	db    *sql.DB
	path  string
	stmts map[perfdb.Table]*sql.Stmt
}

var _ perfdb.Store = (*Store)(nil)

// Export tuning: the database is written by a single process and is
// rebuilt from scratch on failure, so durability is traded for speed. The
// journal is kept in memory rather than disabled so that a failed batch
// can still be rolled back.
var exportPragmas = []string{
	"PRAGMA synchronous = OFF",
	"PRAGMA journal_mode = MEMORY",
	"PRAGMA cache_size = 10000",
	"PRAGMA temp_store = MEMORY",
}

// Create creates a new database at path, replacing any existing file.
func Create(path string) (*Store, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("sqlitestore: removing old database: %w", err)
	}
	s, err := open(path)
	if err != nil {
		return nil, err
	}
	for _, p := range exportPragmas {
		if _, err := s.db.Exec(p); err != nil {
			glog.Warningf("sqlitestore: %s: %v", p, err)
		}
	}
	return s, nil
}

// Open opens an existing database at path, for queries.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sqlitestore: %w", err)
	}
	return open(path)
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", path, err)
	}
	// PRAGMAs and in-memory databases are per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", path, err)
	}
	return &Store{
		db:    db,
		path:  path,
		stmts: make(map[perfdb.Table]*sql.Stmt),
	}, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the path of the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	return s.db.Close()
}

// CreateSchema creates the tables and views of schema in a single
// transaction.
func (s *Store) CreateSchema(ctx context.Context, schema perfdb.Schema) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaStatements(schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return tx.Commit()
}

func insertStatement(t perfdb.Table) string {
	cols := t.Columns()
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
}

func (s *Store) stmt(ctx context.Context, t perfdb.Table) (*sql.Stmt, error) {
	if stmt, ok := s.stmts[t]; ok {
		return stmt, nil
	}
	stmt, err := s.db.PrepareContext(ctx, insertStatement(t))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert into %v: %w", t, err)
	}
	s.stmts[t] = stmt
	return stmt, nil
}

// Insert inserts a single row, in its own transaction.
func (s *Store) Insert(ctx context.Context, r perfdb.Row) error {
	stmt, err := s.stmt(ctx, r.Table())
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, r.Values()...); err != nil {
		return fmt.Errorf("failed to insert into %v: %w", r.Table(), err)
	}
	return nil
}

// InsertBatch inserts rows into t in a single transaction. If any row
// fails, none of the rows are inserted.
func (s *Store) InsertBatch(ctx context.Context, t perfdb.Table, rows []perfdb.Row) error {
	stmt, err := s.stmt(ctx, t)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	txStmt := tx.StmtContext(ctx, stmt)
	defer txStmt.Close()

	for _, r := range rows {
		if r.Table() != t {
			return fmt.Errorf("%v row in %v batch", r.Table(), t)
		}
		if _, err := txStmt.ExecContext(ctx, r.Values()...); err != nil {
			return fmt.Errorf("failed to insert into %v: %w", t, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %v batch: %w", t, err)
	}
	return nil
}

// CreateIndex creates idx.
func (s *Store) CreateIndex(ctx context.Context, idx perfdb.Index) error {
	q := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", idx.Name, idx.Table, strings.Join(idx.Columns, ", "))
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to create index %s: %w", idx.Name, err)
	}
	return nil
}
