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

package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/hotwellkz/p065-sub001/internal/persist"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *persist.DB {
	t.Helper()
	db, err := persist.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// countingStore counts reads that reach the persisted tier.
type countingStore struct {
	Store
	reads   int
	readErr error
	failAdd bool
}

func (s *countingStore) ProcessedItem(ctx context.Context, channelID string, itemID int) (*message.ProcessedItem, error) {
	s.reads++
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.Store.ProcessedItem(ctx, channelID, itemID)
}

func (s *countingStore) InsertProcessedItem(ctx context.Context, item *message.ProcessedItem) (*message.ProcessedItem, error) {
	if s.failAdd {
		return nil, errors.New("disk full")
	}
	return s.Store.InsertProcessedItem(ctx, item)
}

func TestMarkThenLookup(t *testing.T) {
	store := &countingStore{Store: openStore(t)}
	l := New(store, clock.NewFake(epoch), zerolog.Nop())
	ctx := context.Background()

	if l.IsProcessed(ctx, "c1", 7) {
		t.Fatalf("IsProcessed(c1, 7) = true before marking")
	}
	ref, err := l.MarkProcessed(ctx, "c1", 7, "drive-1")
	if err != nil || ref != "drive-1" {
		t.Fatalf("MarkProcessed() = %q, %v; want drive-1", ref, err)
	}
	reads := store.reads
	if !l.IsProcessed(ctx, "c1", 7) {
		t.Errorf("IsProcessed(c1, 7) = false after marking")
	}
	if store.reads != reads {
		t.Errorf("IsProcessed read the store %d times, want a memory hit", store.reads-reads)
	}
	if l.IsProcessed(ctx, "c1", 8) || l.IsProcessed(ctx, "c2", 7) {
		t.Errorf("IsProcessed reports unrelated items as processed")
	}
}

func TestEarlierReferenceWins(t *testing.T) {
	l := New(openStore(t), clock.NewFake(epoch), zerolog.Nop())
	ctx := context.Background()

	if _, err := l.MarkProcessed(ctx, "c1", 7, "drive-1"); err != nil {
		t.Fatal(err)
	}
	ref, err := l.MarkProcessed(ctx, "c1", 7, "drive-2")
	if err != nil || ref != "drive-1" {
		t.Errorf("second MarkProcessed() = %q, %v; want drive-1", ref, err)
	}
	if item := l.Lookup(ctx, "c1", 7); item == nil || item.DeliveryRef != "drive-1" {
		t.Errorf("Lookup() = %+v, want drive-1", item)
	}
}

func TestMemoryExpiryFallsBackToStore(t *testing.T) {
	clk := clock.NewFake(epoch)
	store := &countingStore{Store: openStore(t)}
	l := New(store, clk, zerolog.Nop())
	ctx := context.Background()

	if _, err := l.MarkProcessed(ctx, "c1", 7, "drive-1"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(DefaultTTL)
	l.Sweep()
	if n := l.Len(); n != 0 {
		t.Fatalf("Len() after TTL = %d, want 0", n)
	}
	if !l.IsProcessed(ctx, "c1", 7) {
		t.Errorf("IsProcessed() after memory expiry = false, want the persisted record")
	}
	if n := l.Len(); n != 1 {
		t.Errorf("Len() after back-fill = %d, want 1", n)
	}
}

func TestStoreErrors(t *testing.T) {
	store := &countingStore{Store: openStore(t), readErr: errors.New("db locked")}
	l := New(store, clock.NewFake(epoch), zerolog.Nop())
	ctx := context.Background()

	if l.IsProcessed(ctx, "c1", 7) {
		t.Errorf("IsProcessed() with failing store = true, want a miss")
	}

	store.failAdd = true
	if _, err := l.MarkProcessed(ctx, "c1", 7, "drive-1"); err == nil {
		t.Errorf("MarkProcessed() with failing store = nil error")
	}
	if n := l.Len(); n != 0 {
		t.Errorf("failed MarkProcessed left %d memory entries", n)
	}
}
