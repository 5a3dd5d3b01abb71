// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// Statements are shared by SQLite and PostgreSQL.  Schema changes
	// must be additive: old rows have to stay readable.
	createTableSql = []string{
		// The integrations table holds one OAuth grant per user and
		// delivery provider.
		//
		// Field: status
		//
		//   One of "not_connected", "active", "error".  A failed
		//   token refresh sets "error" and last_error but keeps the
		//   tokens so a reconnect can repair the record.
		//
		// Field: scope_version
		//
		//   The scope set the grant was made under.  Grants older
		//   than the current version are not used.
		//
		// Field: expiry, updated_at
		//
		//   Unix milliseconds, 0 when unknown.
		`
CREATE TABLE IF NOT EXISTS integrations (
user_id TEXT NOT NULL,
provider TEXT NOT NULL,
account_email TEXT NOT NULL DEFAULT '',
access_token TEXT NOT NULL DEFAULT '',
refresh_token TEXT NOT NULL DEFAULT '',
expiry BIGINT NOT NULL DEFAULT 0,
status TEXT NOT NULL DEFAULT 'not_connected',
scope_version INTEGER NOT NULL DEFAULT 0,
last_error TEXT NOT NULL DEFAULT '',
updated_at BIGINT NOT NULL DEFAULT 0,
PRIMARY KEY (user_id, provider)
);`,
		// The legacy_tokens table holds the token pair stored before
		// integrations existed.  Read and refreshed, never created
		// by this program.
		`
CREATE TABLE IF NOT EXISTS legacy_tokens (
user_id TEXT NOT NULL PRIMARY KEY,
access_token TEXT NOT NULL DEFAULT '',
refresh_token TEXT NOT NULL DEFAULT '',
expiry BIGINT NOT NULL DEFAULT 0,
updated_at BIGINT NOT NULL DEFAULT 0
);`,
		// The processed_items table is the persisted tier of the
		// dedup ledger.  Rows are inserted once and never updated.
		//
		// Field: item_id
		//
		//   Telegram message id, unique within the channel's chat.
		//
		// Field: delivery_ref
		//
		//   Drive file id of the delivered file.
		`
CREATE TABLE IF NOT EXISTS processed_items (
channel_id TEXT NOT NULL,
item_id BIGINT NOT NULL,
delivery_ref TEXT NOT NULL,
processed_at BIGINT NOT NULL,
PRIMARY KEY (channel_id, item_id)
);`,
		// The user_settings table holds per user switches.
		`
CREATE TABLE IF NOT EXISTS user_settings (
user_id TEXT NOT NULL PRIMARY KEY,
automation_paused BOOLEAN NOT NULL DEFAULT FALSE,
updated_at BIGINT NOT NULL DEFAULT 0
);`,
		// The telegram_sessions table holds each user's encrypted
		// session string.
		`
CREATE TABLE IF NOT EXISTS telegram_sessions (
user_id TEXT NOT NULL PRIMARY KEY,
ciphertext TEXT NOT NULL DEFAULT '',
status TEXT NOT NULL DEFAULT 'not_connected',
account TEXT NOT NULL DEFAULT '',
last_error TEXT NOT NULL DEFAULT '',
updated_at BIGINT NOT NULL DEFAULT 0
);`,
		// The channels table is owned by the configuration layer.
		// This program only reads it and advances last_checked_at.
		`
CREATE TABLE IF NOT EXISTS channels (
id TEXT NOT NULL PRIMARY KEY,
user_id TEXT NOT NULL,
name TEXT NOT NULL DEFAULT '',
chat TEXT NOT NULL DEFAULT '',
folder_id TEXT NOT NULL DEFAULT '',
transport TEXT NOT NULL DEFAULT 'telegram_user',
polling_enabled BOOLEAN NOT NULL DEFAULT FALSE,
always_reprocess BOOLEAN NOT NULL DEFAULT FALSE,
last_checked_at BIGINT NOT NULL DEFAULT 0
);`,
	}

	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
)

type DB struct {
	db     *sql.DB
	driver string
	log    zerolog.Logger
}

type Tx struct {
	tx *sql.Tx
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens the database named by dsn and creates any missing tables.
// A "postgres://" or "postgresql://" dsn selects PostgreSQL; anything
// else is a SQLite file path or "file:" URI.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*DB, error) {
	log = log.With().Str("component", "persist").Logger()

	driver := "sqlite3"
	if isPostgres(dsn) {
		driver = "postgres"
	} else {
		// The _busy_timeout is a SQLite extension that controls how
		// long SQLite will poll before giving up.  Concurrent poll
		// workers write to the same file; go with 5 minutes.
		var busyTimeout = int(5*time.Minute) / int(time.Millisecond)
		var err error
		dsn, err = dsnFromPath(dsn, url.Values{
			"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
		if err != nil {
			return nil, errors.Wrapf(err,
				"Open(%q) failed: could not form a DB DSN from "+
					"the given path",
				dsn)
		}
	}

	log.Debug().Str("driver", driver).Msg("opening database")
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "Open() failed: could not open %s database", driver)
	}

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrap(err,
			"Open() failed: could not initialize the database schema")
	}

	return &DB{db: db, driver: driver, log: log}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	for _, sql := range createTableSql {
		log.Trace().Str("sql", sql).Msg("SQL Exec")
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

// exec runs a built statement.
func (db *DB) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building statement")
	}
	return db.db.ExecContext(ctx, query, args...)
}

// queryRow runs a built query expected to return at most one row.
func (db *DB) queryRow(ctx context.Context, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}
	return db.db.QueryRowContext(ctx, query, args...), nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
