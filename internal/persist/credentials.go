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
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/pkg/errors"
)

// Integration returns the user's grant for provider, or nil when there
// is none.
func (db *DB) Integration(ctx context.Context, userID, provider string) (*message.Integration, error) {
	row, err := db.queryRow(ctx, psql.
		Select("account_email", "access_token", "refresh_token", "expiry",
			"status", "scope_version", "last_error", "updated_at").
		From("integrations").
		Where(sq.Eq{"user_id": userID, "provider": provider}))
	if err != nil {
		return nil, err
	}
	rec := &message.Integration{UserID: userID, Provider: provider}
	var expiry, updated int64
	err = row.Scan(&rec.AccountEmail, &rec.AccessToken, &rec.RefreshToken, &expiry,
		&rec.Status, &rec.ScopeVersion, &rec.LastError, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading integration for user %q", userID)
	}
	rec.Expiry = fromMillis(expiry)
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

// SaveIntegration upserts the whole record.
func (db *DB) SaveIntegration(ctx context.Context, rec *message.Integration) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := db.exec(ctx, psql.
		Insert("integrations").
		Columns("user_id", "provider", "account_email", "access_token", "refresh_token",
			"expiry", "status", "scope_version", "last_error", "updated_at").
		Values(rec.UserID, rec.Provider, rec.AccountEmail, rec.AccessToken, rec.RefreshToken,
			toMillis(rec.Expiry), rec.Status, rec.ScopeVersion, rec.LastError, toMillis(rec.UpdatedAt)).
		Suffix(`ON CONFLICT (user_id, provider) DO UPDATE SET
account_email = excluded.account_email,
access_token = excluded.access_token,
refresh_token = excluded.refresh_token,
expiry = excluded.expiry,
status = excluded.status,
scope_version = excluded.scope_version,
last_error = excluded.last_error,
updated_at = excluded.updated_at`))
	return errors.Wrapf(err, "saving integration for user %q", rec.UserID)
}

// DeleteIntegration removes the user's grant for provider.
func (db *DB) DeleteIntegration(ctx context.Context, userID, provider string) error {
	_, err := db.exec(ctx, psql.
		Delete("integrations").
		Where(sq.Eq{"user_id": userID, "provider": provider}))
	return errors.Wrapf(err, "deleting integration for user %q", userID)
}

// LegacyTokens returns the user's deprecated token pair, or nil.
func (db *DB) LegacyTokens(ctx context.Context, userID string) (*message.LegacyTokens, error) {
	row, err := db.queryRow(ctx, psql.
		Select("access_token", "refresh_token", "expiry", "updated_at").
		From("legacy_tokens").
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return nil, err
	}
	rec := &message.LegacyTokens{UserID: userID}
	var expiry, updated int64
	err = row.Scan(&rec.AccessToken, &rec.RefreshToken, &expiry, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading legacy tokens for user %q", userID)
	}
	rec.Expiry = fromMillis(expiry)
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

func (db *DB) SaveLegacyTokens(ctx context.Context, rec *message.LegacyTokens) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := db.exec(ctx, psql.
		Insert("legacy_tokens").
		Columns("user_id", "access_token", "refresh_token", "expiry", "updated_at").
		Values(rec.UserID, rec.AccessToken, rec.RefreshToken, toMillis(rec.Expiry), toMillis(rec.UpdatedAt)).
		Suffix(`ON CONFLICT (user_id) DO UPDATE SET
access_token = excluded.access_token,
refresh_token = excluded.refresh_token,
expiry = excluded.expiry,
updated_at = excluded.updated_at`))
	return errors.Wrapf(err, "saving legacy tokens for user %q", rec.UserID)
}

// TelegramSession returns the user's stored session, or nil.
func (db *DB) TelegramSession(ctx context.Context, userID string) (*message.TelegramSession, error) {
	row, err := db.queryRow(ctx, psql.
		Select("ciphertext", "status", "account", "last_error", "updated_at").
		From("telegram_sessions").
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return nil, err
	}
	rec := &message.TelegramSession{UserID: userID}
	var updated int64
	err = row.Scan(&rec.Ciphertext, &rec.Status, &rec.Account, &rec.LastError, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading telegram session for user %q", userID)
	}
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

func (db *DB) SaveTelegramSession(ctx context.Context, rec *message.TelegramSession) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := db.exec(ctx, psql.
		Insert("telegram_sessions").
		Columns("user_id", "ciphertext", "status", "account", "last_error", "updated_at").
		Values(rec.UserID, rec.Ciphertext, rec.Status, rec.Account, rec.LastError, toMillis(rec.UpdatedAt)).
		Suffix(`ON CONFLICT (user_id) DO UPDATE SET
ciphertext = excluded.ciphertext,
status = excluded.status,
account = excluded.account,
last_error = excluded.last_error,
updated_at = excluded.updated_at`))
	return errors.Wrapf(err, "saving telegram session for user %q", rec.UserID)
}

// MarkTelegramSession updates the status of an existing session record.
// The ciphertext is kept so a relink can overwrite it.
func (db *DB) MarkTelegramSession(ctx context.Context, userID, status, lastError string) error {
	_, err := db.exec(ctx, psql.
		Update("telegram_sessions").
		Set("status", status).
		Set("last_error", lastError).
		Set("updated_at", toMillis(time.Now())).
		Where(sq.Eq{"user_id": userID}))
	return errors.Wrapf(err, "marking telegram session for user %q", userID)
}
