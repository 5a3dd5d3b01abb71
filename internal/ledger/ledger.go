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

// Package ledger remembers which channel items have been delivered.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultTTL bounds how long a record stays in memory.
const DefaultTTL = 24 * time.Hour

// Store is the persisted tier.
type Store interface {
	ProcessedItem(ctx context.Context, channelID string, itemID int) (*message.ProcessedItem, error)

	// InsertProcessedItem stores item unless a record for the same key
	// exists, and returns the stored record.
	InsertProcessedItem(ctx context.Context, item *message.ProcessedItem) (*message.ProcessedItem, error)
}

type key struct {
	channel string
	item    int
}

type entry struct {
	item    message.ProcessedItem
	expires time.Time
}

// Ledger is a two tier processed-item record.  The memory tier is only
// a cache; the store is the source of truth.
type Ledger struct {
	store Store
	clock clock.Clock
	log   zerolog.Logger
	TTL   time.Duration

	mu    sync.Mutex
	items map[key]entry
}

func New(store Store, clk clock.Clock, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		clock: clk,
		log:   log.With().Str("component", "ledger").Logger(),
		TTL:   DefaultTTL,
		items: make(map[key]entry),
	}
}

func (l *Ledger) remember(item message.ProcessedItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[key{item.ChannelID, item.ItemID}] = entry{item: item, expires: l.clock.Now().Add(l.TTL)}
}

func (l *Ledger) cached(k key) (message.ProcessedItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.items[k]
	if !ok {
		return message.ProcessedItem{}, false
	}
	if !l.clock.Now().Before(e.expires) {
		delete(l.items, k)
		return message.ProcessedItem{}, false
	}
	return e.item, true
}

// Lookup returns the record for an item, or nil.  Store errors are
// logged and reported as a miss.
func (l *Ledger) Lookup(ctx context.Context, channelID string, itemID int) *message.ProcessedItem {
	if item, ok := l.cached(key{channelID, itemID}); ok {
		return &item
	}
	item, err := l.store.ProcessedItem(ctx, channelID, itemID)
	if err != nil {
		l.log.Warn().Err(err).Str("channel", channelID).Int("item", itemID).Msg("reading processed item")
		return nil
	}
	if item == nil {
		return nil
	}
	l.remember(*item)
	return item
}

func (l *Ledger) IsProcessed(ctx context.Context, channelID string, itemID int) bool {
	return l.Lookup(ctx, channelID, itemID) != nil
}

// MarkProcessed records that an item was delivered as ref.  The
// persisted write happens first; if it fails the item is not marked.
// When the item was already recorded the earlier reference wins and is
// returned.
func (l *Ledger) MarkProcessed(ctx context.Context, channelID string, itemID int, ref string) (string, error) {
	stored, err := l.store.InsertProcessedItem(ctx, &message.ProcessedItem{
		ChannelID:   channelID,
		ItemID:      itemID,
		DeliveryRef: ref,
		ProcessedAt: l.clock.Now(),
	})
	if err != nil {
		return "", errors.Wrapf(err, "marking item %d of channel %s", itemID, channelID)
	}
	if stored.DeliveryRef != ref {
		l.log.Info().
			Str("channel", channelID).
			Int("item", itemID).
			Str("ref", ref).
			Str("winner", stored.DeliveryRef).
			Msg("item was already recorded")
	}
	l.remember(*stored)
	return stored.DeliveryRef, nil
}

// Sweep drops expired memory entries.
func (l *Ledger) Sweep() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.items {
		if !now.Before(e.expires) {
			delete(l.items, k)
		}
	}
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
