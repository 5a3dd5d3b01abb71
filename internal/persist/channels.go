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

var channelColumns = []string{
	"id", "user_id", "name", "chat", "folder_id", "transport",
	"polling_enabled", "always_reprocess", "last_checked_at",
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChannel(row scanner) (message.Channel, error) {
	var ch message.Channel
	var checked int64
	err := row.Scan(&ch.ID, &ch.UserID, &ch.Name, &ch.Chat, &ch.FolderID, &ch.Transport,
		&ch.PollingEnabled, &ch.AlwaysReprocess, &checked)
	ch.LastCheckedAt = fromMillis(checked)
	return ch, err
}

// Channel returns one channel, or nil.
func (db *DB) Channel(ctx context.Context, id string) (*message.Channel, error) {
	row, err := db.queryRow(ctx, psql.
		Select(channelColumns...).
		From("channels").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading channel %q", id)
	}
	return &ch, nil
}

// PollingChannels lists every channel with polling enabled, ordered by
// user so callers can group them cheaply.
func (db *DB) PollingChannels(ctx context.Context) ([]message.Channel, error) {
	query, args, err := psql.
		Select(channelColumns...).
		From("channels").
		Where(sq.Eq{"polling_enabled": true}).
		OrderBy("user_id", "id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing polling channels")
	}
	defer rows.Close()

	var out []message.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in PollingChannels")
		}
		out = append(out, ch)
	}
	return out, errors.Wrap(rows.Err(), "listing polling channels")
}

// SaveChannel upserts a channel.  Used by administrative tooling and
// tests; the poller itself only calls TouchChannel.
func (db *DB) SaveChannel(ctx context.Context, ch *message.Channel) error {
	transport := ch.Transport
	if transport == "" {
		transport = message.TransportUser
	}
	_, err := db.exec(ctx, psql.
		Insert("channels").
		Columns(channelColumns...).
		Values(ch.ID, ch.UserID, ch.Name, ch.Chat, ch.FolderID, transport,
			ch.PollingEnabled, ch.AlwaysReprocess, toMillis(ch.LastCheckedAt)).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
user_id = excluded.user_id,
name = excluded.name,
chat = excluded.chat,
folder_id = excluded.folder_id,
transport = excluded.transport,
polling_enabled = excluded.polling_enabled,
always_reprocess = excluded.always_reprocess,
last_checked_at = excluded.last_checked_at`))
	return errors.Wrapf(err, "saving channel %q", ch.ID)
}

// TouchChannel records the time the channel was last checked.
func (db *DB) TouchChannel(ctx context.Context, id string, checked time.Time) error {
	_, err := db.exec(ctx, psql.
		Update("channels").
		Set("last_checked_at", toMillis(checked)).
		Where(sq.Eq{"id": id}))
	return errors.Wrapf(err, "touching channel %q", id)
}
