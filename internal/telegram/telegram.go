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

// Package telegram keeps authenticated MTProto sessions to Telegram, one
// per user, and exposes the few chat operations the pipeline needs.
package telegram

import (
	"context"
	"io"

	"github.com/hotwellkz/p065-sub001/internal/message"
)

// GlobalUser is the pool key of the shared session used by channels
// with the global transport.
const GlobalUser = ""

// Conn is a live connection to Telegram.
type Conn interface {
	// History returns the newest limit messages of chat, newest first.
	History(ctx context.Context, chat string, limit int) ([]message.Message, error)

	// Download streams the media of message id in chat to w.
	Download(ctx context.Context, chat string, id int, w io.Writer) error

	// Send posts a text message to chat.
	Send(ctx context.Context, chat, text string) error

	// Alive reports whether the connection is still usable.
	Alive() bool

	Close() error
}

// Credential is a decrypted session string.  It never leaves memory.
type Credential struct {
	UserID  string
	Session string

	// The Telegram account the session belongs to, when known.
	Account string
}

// Dialer establishes connections.
type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Conn, error)
}

// CredentialSource loads and decrypts the stored session of a user.
type CredentialSource interface {
	Credential(ctx context.Context, userID string) (Credential, error)
}

// Session is a pooled connection.  The embedded Conn must not be closed
// by callers; release it through the pool instead.  Calls made through
// the Session keep the pool entry in use while they run and refresh its
// last use when they succeed.
type Session struct {
	Conn
	UserID string

	pool *Pool
}

func (s *Session) track() func(ok bool) {
	if s.pool == nil {
		return func(bool) {}
	}
	s.pool.begin(s)
	return func(ok bool) { s.pool.end(s, ok) }
}

func (s *Session) History(ctx context.Context, chat string, limit int) ([]message.Message, error) {
	done := s.track()
	msgs, err := s.Conn.History(ctx, chat, limit)
	done(err == nil)
	return msgs, err
}

func (s *Session) Download(ctx context.Context, chat string, id int, w io.Writer) error {
	done := s.track()
	err := s.Conn.Download(ctx, chat, id, w)
	done(err == nil)
	return err
}

func (s *Session) Send(ctx context.Context, chat, text string) error {
	done := s.track()
	err := s.Conn.Send(ctx, chat, text)
	done(err == nil)
	return err
}
