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

// Package notify tells users about deliveries through Telegram.
// Notifications are best effort: failures are logged and dropped.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/hotwellkz/p065-sub001/internal/telegram"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 30 * time.Second

// Sessions hands out Telegram sessions.  *telegram.Pool implements it.
type Sessions interface {
	Acquire(ctx context.Context, userID string) (*telegram.Session, error)
}

// Target is where a notification goes.
type Target struct {
	UserID    string
	Transport string

	// The chat to post in.
	Chat string
}

type Dispatcher struct {
	sessions Sessions
	log      zerolog.Logger
	Timeout  time.Duration
}

func New(sessions Sessions, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		log:      log.With().Str("component", "notify").Logger(),
		Timeout:  DefaultTimeout,
	}
}

// Notify posts text to the target chat.  It never fails.
func (d *Dispatcher) Notify(ctx context.Context, t Target, text string) {
	user := t.UserID
	if t.Transport == message.TransportGlobal {
		user = telegram.GlobalUser
	}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	sess, err := d.sessions.Acquire(ctx, user)
	if err != nil {
		d.log.Warn().Err(err).Str("user", t.UserID).Str("transport", t.Transport).Msg("no session for notification")
		return
	}
	if err := sess.Send(ctx, t.Chat, text); err != nil {
		d.log.Warn().Err(err).Str("user", t.UserID).Str("chat", t.Chat).Msg("sending notification failed")
		return
	}
	d.log.Debug().Str("user", t.UserID).Str("chat", t.Chat).Msg("notification sent")
}

// Delivered renders the success notification.
func Delivered(d *message.Delivery) string {
	if d.ViewLink == "" {
		return fmt.Sprintf("✅ Video %s was saved to Google Drive.", d.Name)
	}
	return fmt.Sprintf("✅ Video %s was saved to Google Drive: %s", d.Name, d.ViewLink)
}

// Failed renders the failure notification for a classified error.
func Failed(channel string, err error) string {
	return fmt.Sprintf("⚠️ Channel %s: %s", channel, failure.UserMessage(err))
}
