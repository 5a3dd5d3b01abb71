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

// Package pipeline moves one generated video from a Telegram chat into
// the channel's Drive folder: find, download, deliver, record, notify.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/delivery"
	"github.com/hotwellkz/p065-sub001/internal/download"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/hotwellkz/p065-sub001/internal/notify"
	"github.com/hotwellkz/p065-sub001/internal/spool"
	"github.com/hotwellkz/p065-sub001/internal/telegram"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type ChannelStore interface {
	Channel(ctx context.Context, id string) (*message.Channel, error)
}

// Sessions is the Telegram session pool.
type Sessions interface {
	Acquire(ctx context.Context, userID string) (*telegram.Session, error)
	Release(userID string)
}

type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*message.Delivery, error)
}

type Ledger interface {
	Lookup(ctx context.Context, channelID string, itemID int) *message.ProcessedItem
	MarkProcessed(ctx context.Context, channelID string, itemID int, ref string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, t notify.Target, text string)
}

// SessionStatus records the health of a stored Telegram session.
type SessionStatus interface {
	MarkTelegramSession(ctx context.Context, userID, status, lastError string) error
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Channels      ChannelStore
	Sessions      Sessions
	Download      *download.Engine
	Delivery      Deliverer
	Ledger        Ledger
	Notifier      Notifier
	SessionStatus SessionStatus
	Log           zerolog.Logger

	// Defaults to the wall clock.
	Clock clock.Clock
	// How many recent messages a poll reads per channel.  Zero uses
	// the download engine's default.
	ListLimit int
}

type Runner struct {
	channels ChannelStore
	sessions Sessions
	download *download.Engine
	delivery Deliverer
	ledger   Ledger
	notifier Notifier
	status   SessionStatus
	clock    clock.Clock
	limit    int
	log      zerolog.Logger
}

func New(d Deps) *Runner {
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Runner{
		channels: d.Channels,
		sessions: d.Sessions,
		download: d.Download,
		delivery: d.Delivery,
		ledger:   d.Ledger,
		notifier: d.Notifier,
		status:   d.SessionStatus,
		clock:    clk,
		limit:    d.ListLimit,
		log:      d.Log.With().Str("component", "pipeline").Logger(),
	}
}

type Outcome int

const (
	// Delivered means the item was uploaded (or an upload from an
	// earlier attempt was found) and recorded.
	Delivered Outcome = iota
	// Duplicate means the item had already been recorded.
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "delivered"
}

// Job asks for the newest video of a channel.  A positive AfterItemID
// restricts the search to messages posted after that message.
type Job struct {
	UserID      string
	ChannelID   string
	AfterItemID int
}

type Result struct {
	Outcome Outcome
	ItemID  int

	// The recorded delivery reference.
	DeliveryRef string

	// Nil for duplicates.
	Delivery *message.Delivery
}

// Stage names used in logs.
const (
	stageSession  = "session"
	stageList     = "list"
	stageDownload = "download"
	stageDeliver  = "deliver"
	stageRecord   = "record"
)

// SessionUser returns the pool key a channel's Telegram traffic uses.
func SessionUser(ch *message.Channel) string {
	if ch.Transport == message.TransportGlobal {
		return telegram.GlobalUser
	}
	return ch.UserID
}

// RemoteName is the name a channel's item is stored under.
func RemoteName(ch *message.Channel, itemID int, localName string) string {
	base := spool.SafeName(ch.Name)
	if base == "" {
		base = "video"
	}
	ext := spool.SafeExt(filepath.Ext(localName))
	if ext == "" {
		ext = ".mp4"
	}
	return fmt.Sprintf("%s_%d%s", base, itemID, ext)
}

func target(ch *message.Channel) notify.Target {
	return notify.Target{UserID: ch.UserID, Transport: ch.Transport, Chat: ch.Chat}
}

// fail handles a failed stage and returns err.  Telegram stages that
// fail with AuthExpired drop the pooled session and flag the stored
// one.
func (r *Runner) fail(ctx context.Context, ch *message.Channel, stage string, itemID int, err error) error {
	kind := failure.KindOf(err)
	r.log.Warn().
		Err(err).
		Str("channel", ch.ID).
		Str("user", ch.UserID).
		Str("stage", stage).
		Int("item", itemID).
		Stringer("kind", kind).
		Msg("pipeline stage failed")

	telegramStage := stage == stageSession || stage == stageList || stage == stageDownload
	if kind == failure.AuthExpired && telegramStage {
		user := SessionUser(ch)
		r.sessions.Release(user)
		// A session loaded as already flagged keeps its original error.
		if user != telegram.GlobalUser && r.status != nil && !errors.Is(err, telegram.ErrSessionFlagged) {
			if serr := r.status.MarkTelegramSession(ctx, user, message.StatusError, err.Error()); serr != nil {
				r.log.Error().Err(serr).Str("user", user).Msg("flagging telegram session")
			}
		}
	}
	return err
}

func (r *Runner) notifyFailure(ctx context.Context, ch *message.Channel, err error) {
	if failure.KindOf(err) == failure.NoMediaFound {
		return
	}
	r.notifier.Notify(ctx, target(ch), notify.Failed(ch.Name, err))
}

// RunJob runs the whole pipeline for the newest video of a channel.
func (r *Runner) RunJob(ctx context.Context, job Job) (*Result, error) {
	start := r.clock.Now()
	ch, err := r.channels.Channel(ctx, job.ChannelID)
	if err != nil {
		return nil, errors.Wrapf(err, "loading channel %s", job.ChannelID)
	}
	if ch == nil || (job.UserID != "" && ch.UserID != job.UserID) {
		return nil, &failure.Error{Kind: failure.NotConfigured, Op: "pipeline.job",
			Err: errors.Errorf("channel %s not found for user %s", job.ChannelID, job.UserID)}
	}

	sess, err := r.sessions.Acquire(ctx, SessionUser(ch))
	if err != nil {
		err = r.fail(ctx, ch, stageSession, 0, err)
		r.notifyFailure(ctx, ch, err)
		return nil, err
	}

	msg, err := r.download.Latest(ctx, sess, ch.Chat, job.AfterItemID)
	if err != nil {
		err = r.fail(ctx, ch, stageList, 0, err)
		r.notifyFailure(ctx, ch, err)
		return nil, err
	}

	res, err := r.ProcessItem(ctx, sess, ch, msg)
	if err != nil {
		r.notifyFailure(ctx, ch, err)
		return nil, err
	}
	r.log.Info().
		Str("channel", ch.ID).
		Int("item", res.ItemID).
		Stringer("outcome", res.Outcome).
		Dur("elapsed", r.clock.Now().Sub(start)).
		Msg("job finished")
	return res, nil
}

// ListNew acquires the channel's session and lists the videos the
// channel has not looked at yet.
func (r *Runner) ListNew(ctx context.Context, ch *message.Channel) (download.Source, []message.Message, error) {
	sess, err := r.sessions.Acquire(ctx, SessionUser(ch))
	if err != nil {
		return nil, nil, r.fail(ctx, ch, stageSession, 0, err)
	}
	since := ch.LastCheckedAt
	if ch.AlwaysReprocess {
		since = time.Time{}
	}
	msgs, err := r.download.ListSince(ctx, sess, ch.Chat, since, r.limit)
	if err != nil {
		return nil, nil, r.fail(ctx, ch, stageList, 0, err)
	}
	return sess, msgs, nil
}

// ProcessItem delivers one known item.  Items already in the ledger are
// reported as duplicates without touching the network.  A success
// notification is sent for new deliveries.
func (r *Runner) ProcessItem(ctx context.Context, src download.Source, ch *message.Channel, msg message.Message) (*Result, error) {
	if prev := r.ledger.Lookup(ctx, ch.ID, msg.ID); prev != nil {
		r.log.Debug().Str("channel", ch.ID).Int("item", msg.ID).Msg("already processed")
		return &Result{Outcome: Duplicate, ItemID: msg.ID, DeliveryRef: prev.DeliveryRef}, nil
	}

	pending, err := r.download.Fetch(ctx, src, ch.Chat, msg)
	if err != nil {
		return nil, r.fail(ctx, ch, stageDownload, msg.ID, err)
	}
	defer func() {
		if err := pending.Remove(); err != nil {
			r.log.Warn().Err(err).Str("path", pending.Path).Msg("removing temporary file")
		}
	}()

	d, err := r.delivery.Deliver(ctx, delivery.Request{
		UserID:      ch.UserID,
		LocalPath:   pending.Path,
		FileName:    RemoteName(ch, msg.ID, pending.FileName),
		MimeType:    pending.MimeType,
		Destination: ch.FolderID,
	})
	if err != nil {
		return nil, r.fail(ctx, ch, stageDeliver, msg.ID, err)
	}

	ref, err := r.ledger.MarkProcessed(ctx, ch.ID, msg.ID, d.ExternalID)
	if err != nil {
		return nil, r.fail(ctx, ch, stageRecord, msg.ID, err)
	}
	if ref != d.ExternalID {
		return &Result{Outcome: Duplicate, ItemID: msg.ID, DeliveryRef: ref}, nil
	}

	r.notifier.Notify(ctx, target(ch), notify.Delivered(d))
	return &Result{Outcome: Delivered, ItemID: msg.ID, DeliveryRef: ref, Delivery: d}, nil
}
