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

func selectProcessedItem(channelID string, itemID int) sq.SelectBuilder {
	return psql.
		Select("delivery_ref", "processed_at").
		From("processed_items").
		Where(sq.Eq{"channel_id": channelID, "item_id": itemID})
}

func scanProcessedItem(row *sql.Row, channelID string, itemID int) (*message.ProcessedItem, error) {
	item := &message.ProcessedItem{ChannelID: channelID, ItemID: itemID}
	var processed int64
	if err := row.Scan(&item.DeliveryRef, &processed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading processed item %s/%d", channelID, itemID)
	}
	item.ProcessedAt = fromMillis(processed)
	return item, nil
}

// ProcessedItem returns the record for an item, or nil.
func (db *DB) ProcessedItem(ctx context.Context, channelID string, itemID int) (*message.ProcessedItem, error) {
	row, err := db.queryRow(ctx, selectProcessedItem(channelID, itemID))
	if err != nil {
		return nil, err
	}
	return scanProcessedItem(row, channelID, itemID)
}

// InsertProcessedItem records item unless a record for the same
// (channel, item) already exists, and returns the stored record.  An
// existing record is never overwritten, so the returned DeliveryRef
// may differ from item's when another writer got there first.
func (db *DB) InsertProcessedItem(ctx context.Context, item *message.ProcessedItem) (*message.ProcessedItem, error) {
	if item.ProcessedAt.IsZero() {
		item.ProcessedAt = time.Now()
	}
	insert, args, err := psql.
		Insert("processed_items").
		Columns("channel_id", "item_id", "delivery_ref", "processed_at").
		Values(item.ChannelID, item.ItemID, item.DeliveryRef, toMillis(item.ProcessedAt)).
		Suffix("ON CONFLICT (channel_id, item_id) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building statement")
	}
	query, qargs, err := selectProcessedItem(item.ChannelID, item.ItemID).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.tx.ExecContext(ctx, insert, args...); err != nil {
		return nil, errors.Wrapf(err, "inserting processed item %s/%d", item.ChannelID, item.ItemID)
	}
	stored, err := scanProcessedItem(tx.tx.QueryRowContext(ctx, query, qargs...), item.ChannelID, item.ItemID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, errors.Errorf("processed item %s/%d vanished after insert", item.ChannelID, item.ItemID)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit failed")
	}
	return stored, nil
}

// Paused reports the user's automation pause flag.  Users without a
// settings row are not paused.
func (db *DB) Paused(ctx context.Context, userID string) (bool, error) {
	row, err := db.queryRow(ctx, psql.
		Select("automation_paused").
		From("user_settings").
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return false, err
	}
	var paused bool
	if err := row.Scan(&paused); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, errors.Wrapf(err, "reading settings for user %q", userID)
	}
	return paused, nil
}

func (db *DB) SetPaused(ctx context.Context, userID string, paused bool) error {
	_, err := db.exec(ctx, psql.
		Insert("user_settings").
		Columns("user_id", "automation_paused", "updated_at").
		Values(userID, paused, toMillis(time.Now())).
		Suffix(`ON CONFLICT (user_id) DO UPDATE SET
automation_paused = excluded.automation_paused,
updated_at = excluded.updated_at`))
	return errors.Wrapf(err, "saving settings for user %q", userID)
}
