/*
mlist - Mailing list manager.
Copyright © 2019-2024 Max Mazurov <fox.cpp@disroot.org>, mlist contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package sqlstore implements the list stores on top of database/sql.
//
// Supported drivers are sqlite3 (cgo builds), sqlite (pure Go builds),
// postgres and mysql. Queries are written with '?' placeholders and
// rewritten for postgres.
//
// List settings and member preferences are kept as JSON documents next to
// the columns used for lookups, so new settings do not need schema
// changes.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/foxcpp/mlist/framework/address"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/internal/mlist"
)

// SchemaVersion is stored in the schema_version table. Open refuses
// databases with a newer schema.
const SchemaVersion = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lists (
		fqdn VARCHAR(255) NOT NULL PRIMARY KEY,
		list_id VARCHAR(255) NOT NULL UNIQUE,
		settings TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		list_id VARCHAR(255) NOT NULL,
		role VARCHAR(32) NOT NULL,
		address VARCHAR(255) NOT NULL,
		data TEXT NOT NULL,
		UNIQUE (list_id, role, address)
	)`,
	`CREATE TABLE IF NOT EXISTS one_last_digests (
		list_id VARCHAR(255) NOT NULL,
		member_id VARCHAR(64) NOT NULL,
		mode VARCHAR(32) NOT NULL,
		PRIMARY KEY (list_id, member_id)
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id INTEGER NOT NULL PRIMARY KEY,
		list_id VARCHAR(255) NOT NULL,
		type VARCHAR(32) NOT NULL,
		req_key TEXT NOT NULL,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bounce_events (
		id INTEGER NOT NULL PRIMARY KEY,
		list_id VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL,
		ts BIGINT NOT NULL,
		message_id TEXT NOT NULL,
		context VARCHAR(32) NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS autoresponses (
		list_id VARCHAR(255) NOT NULL,
		address VARCHAR(255) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		sent_day VARCHAR(10) NOT NULL,
		n INTEGER NOT NULL,
		PRIMARY KEY (list_id, address, kind, sent_day)
	)`,
	`CREATE TABLE IF NOT EXISTS pendings (
		token VARCHAR(64) NOT NULL PRIMARY KEY,
		data TEXT NOT NULL,
		expires BIGINT NOT NULL
	)`,
}

// Store implements mlist.Store and mlist.PendingStore.
type Store struct {
	db     *sql.DB
	driver string
	log    log.Logger

	// Now is used for pending token expiration.
	Now func() time.Time
}

// Open connects to the database and creates the tables if they do not
// exist yet.
func Open(ctx context.Context, driver, dsn string, logger log.Logger) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to open db: %w", err)
	}
	s := &Store{db: db, driver: driver, log: logger, Now: time.Now}

	if s.isSQLite() {
		// Writers from different runners would otherwise fail with
		// SQLITE_BUSY right away.
		db.SetMaxOpenConns(1)
	}

	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) isSQLite() bool {
	return s.driver == "sqlite3" || s.driver == "sqlite"
}

func (s *Store) init(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlstore: schema init failed: %w", err)
		}
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := s.exec(ctx, s.db, `INSERT INTO schema_version(version) VALUES (?)`, SchemaVersion)
		return err
	case err != nil:
		return fmt.Errorf("sqlstore: %w", err)
	case version > SchemaVersion:
		return fmt.Errorf("sqlstore: unsupported schema version %d, the database was created by a newer version", version)
	}
	s.log.DebugMsg("database opened", "driver", s.driver, "schema", version)
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind replaces '?' placeholders with the numbered ones postgres wants.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var (
		sb strings.Builder
		n  int
	)
	sb.Grow(len(query) + 8)
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...interface{}) (sql.Result, error) {
	res, err := q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	return res, nil
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	return rows, nil
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...interface{}) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// tx runs fn in a transaction, committing it if fn returns nil.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin transaction failed: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: transaction commit failed: %w", err)
	}
	return nil
}

// nextID allocates the next integer key of the table. Must be called in a
// transaction.
func (s *Store) nextID(ctx context.Context, tx *sql.Tx, table string) (int, error) {
	var id int
	err := s.queryRow(ctx, tx, `SELECT COALESCE(MAX(id), 0) + 1 FROM `+table).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: %w", err)
	}
	return id, nil
}

func normAddr(addr string) string {
	norm, err := address.ForLookup(addr)
	if err != nil {
		return strings.ToLower(addr)
	}
	return norm
}

func affected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var (
	_ mlist.Store        = &Store{}
	_ mlist.PendingStore = &Store{}
)
