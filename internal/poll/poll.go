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

// Package poll periodically checks every polling channel for new
// videos and runs them through the pipeline.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/hotwellkz/p065-sub001/internal/pipeline"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 4

// Stats counts what a tick did.
type Stats struct {
	ChannelsProcessed int `json:"channelsProcessed"`
	ChannelsPaused    int `json:"channelsPaused"`
	ChannelErrors     int `json:"channelErrors"`
	ItemsDelivered    int `json:"itemsDelivered"`
	ItemsDuplicate    int `json:"itemsDuplicate"`
	ItemErrors        int `json:"itemErrors"`

	// Set when another tick was still running and this one did nothing.
	Skipped bool `json:"skipped,omitempty"`
}

func (s *Stats) add(o Stats) {
	s.ChannelsProcessed += o.ChannelsProcessed
	s.ChannelsPaused += o.ChannelsPaused
	s.ChannelErrors += o.ChannelErrors
	s.ItemsDelivered += o.ItemsDelivered
	s.ItemsDuplicate += o.ItemsDuplicate
	s.ItemErrors += o.ItemErrors
}

type Scheduler struct {
	store Storage
	proc  Processor
	clock clock.Clock
	log   zerolog.Logger

	// Users polled at the same time.  Channels of one user are always
	// polled one after another.
	Concurrency int

	// Held for the duration of a tick.
	running sync.Mutex
}

func New(store Storage, proc Processor, clk clock.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:       store,
		proc:        proc,
		clock:       clk,
		log:         log.With().Str("component", "poll").Logger(),
		Concurrency: DefaultConcurrency,
	}
}

type userChannels struct {
	user     string
	channels []message.Channel
}

// byUser groups channels by owner, keeping the listing order.
func byUser(chans []message.Channel) []userChannels {
	var out []userChannels
	index := make(map[string]int)
	for _, ch := range chans {
		i, ok := index[ch.UserID]
		if !ok {
			i = len(out)
			index[ch.UserID] = i
			out = append(out, userChannels{user: ch.UserID})
		}
		out[i].channels = append(out[i].channels, ch)
	}
	return out
}

// Tick polls every channel once.  Failures of single channels or items
// are counted, not returned; only failing to list the channels is an
// error.  A call made while another tick is running returns at once
// with Skipped set; the running tick already covers every channel.
func (s *Scheduler) Tick(ctx context.Context) (Stats, error) {
	if !s.running.TryLock() {
		s.log.Info().Msg("poll tick already running, skipping")
		return Stats{Skipped: true}, nil
	}
	defer s.running.Unlock()

	start := s.clock.Now()
	chans, err := s.store.PollingChannels(ctx)
	if err != nil {
		return Stats{}, errors.Wrap(err, "listing polling channels")
	}

	var (
		mu    sync.Mutex
		total Stats
	)
	grp, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	grp.SetLimit(limit)
	for _, u := range byUser(chans) {
		u := u
		grp.Go(func() error {
			st := s.pollUser(gctx, u, start)
			mu.Lock()
			total.add(st)
			mu.Unlock()
			return nil
		})
	}
	grp.Wait()

	s.log.Info().
		Int("channels", len(chans)).
		Int("processed", total.ChannelsProcessed).
		Int("paused", total.ChannelsPaused).
		Int("channel_errors", total.ChannelErrors).
		Int("delivered", total.ItemsDelivered).
		Int("duplicate", total.ItemsDuplicate).
		Int("item_errors", total.ItemErrors).
		Dur("elapsed", s.clock.Now().Sub(start)).
		Msg("poll tick finished")
	return total, ctx.Err()
}

func (s *Scheduler) pollUser(ctx context.Context, u userChannels, start time.Time) Stats {
	var st Stats
	paused, err := s.store.Paused(ctx, u.user)
	if err != nil {
		s.log.Warn().Err(err).Str("user", u.user).Msg("reading pause flag; polling anyway")
		paused = false
	}
	if paused {
		s.log.Debug().Str("user", u.user).Int("channels", len(u.channels)).Msg("automation paused")
		st.ChannelsPaused = len(u.channels)
		return st
	}
	for i := range u.channels {
		if ctx.Err() != nil {
			break
		}
		s.pollChannel(ctx, &u.channels[i], start, &st)
	}
	return st
}

func (s *Scheduler) pollChannel(ctx context.Context, ch *message.Channel, start time.Time, st *Stats) {
	src, msgs, err := s.proc.ListNew(ctx, ch)
	if err != nil {
		st.ChannelErrors++
		return
	}

	// An item failure that a later tick or the user can clear keeps the
	// channel's check time so the item is listed again.
	retry := false
	for _, msg := range msgs {
		res, err := s.proc.ProcessItem(ctx, src, ch, msg)
		if err != nil {
			st.ItemErrors++
			if kind := failure.KindOf(err); failure.Retryable(kind) || failure.Remediable(kind) {
				retry = true
			}
			continue
		}
		switch res.Outcome {
		case pipeline.Delivered:
			st.ItemsDelivered++
		case pipeline.Duplicate:
			st.ItemsDuplicate++
		}
	}
	st.ChannelsProcessed++

	if retry {
		return
	}
	if err := s.store.TouchChannel(ctx, ch.ID, start); err != nil {
		s.log.Warn().Err(err).Str("channel", ch.ID).Msg("recording channel check time")
	}
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("poll tick failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(interval):
		}
	}
}
