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

package telegram

import (
	"context"

	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/pkg/errors"
)

// ErrSessionFlagged is the cause of the AuthExpired error returned for
// a stored session already marked as failed.
var ErrSessionFlagged = errors.New("telegram session is marked as failed")

// SessionStore reads stored sessions.  A missing session is (nil, nil).
type SessionStore interface {
	TelegramSession(ctx context.Context, userID string) (*message.TelegramSession, error)
}

// Decrypter opens encrypted session strings.
type Decrypter interface {
	Decrypt(payload string) (string, error)
}

// StoredCredentials decrypts session strings on demand.  The plaintext
// is only ever held by the returned Credential.
type StoredCredentials struct {
	store SessionStore
	box   Decrypter

	// The shared session for GlobalUser, in plaintext.
	global string
}

func NewStoredCredentials(store SessionStore, box Decrypter, global string) *StoredCredentials {
	return &StoredCredentials{store: store, box: box, global: global}
}

func (c *StoredCredentials) Credential(ctx context.Context, userID string) (Credential, error) {
	const op = "telegram.credential"
	if userID == GlobalUser {
		if c.global == "" {
			return Credential{}, failure.New(failure.NotConfigured, op)
		}
		return Credential{UserID: userID, Session: c.global}, nil
	}

	rec, err := c.store.TelegramSession(ctx, userID)
	if err != nil {
		return Credential{}, errors.Wrapf(err, "loading telegram session of user %q", userID)
	}
	if rec == nil || rec.Ciphertext == "" {
		return Credential{}, &failure.Error{Kind: failure.AuthExpired, Op: op,
			Err: errors.Errorf("user %q has not linked telegram", userID)}
	}
	// A session marked failed stays failed until the user links again.
	if rec.Status == message.StatusError {
		cause := ErrSessionFlagged
		if rec.LastError != "" {
			cause = errors.WithMessage(ErrSessionFlagged, rec.LastError)
		}
		return Credential{}, &failure.Error{Kind: failure.AuthExpired, Op: op, Account: rec.Account, Err: cause}
	}
	plain, err := c.box.Decrypt(rec.Ciphertext)
	if err != nil {
		return Credential{}, errors.Wrapf(err, "decrypting telegram session of user %q", userID)
	}
	return Credential{UserID: userID, Session: plain, Account: rec.Account}, nil
}
