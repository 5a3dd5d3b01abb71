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
	"strings"
	"testing"

	"github.com/gotd/td/tgerr"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/hotwellkz/p065-sub001/internal/secretbox"
	"github.com/pkg/errors"
)

type memSessions map[string]*message.TelegramSession

func (m memSessions) TelegramSession(ctx context.Context, userID string) (*message.TelegramSession, error) {
	return m[userID], nil
}

func TestStoredCredentials(t *testing.T) {
	box, err := secretbox.New(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := box.Encrypt("session-u1")
	if err != nil {
		t.Fatal(err)
	}
	creds := NewStoredCredentials(memSessions{
		"u1":    {UserID: "u1", Ciphertext: sealed, Status: message.StatusActive, Account: "@alice"},
		"empty": {UserID: "empty"},
		"dead":  {UserID: "dead", Ciphertext: sealed, Status: message.StatusError, Account: "@bob", LastError: "AUTH_KEY_UNREGISTERED"},
	}, box, "shared-session")
	ctx := context.Background()

	got, err := creds.Credential(ctx, "u1")
	if err != nil || got.Session != "session-u1" || got.Account != "@alice" {
		t.Errorf("Credential(u1) = %+v, %v; want decrypted session of @alice", got, err)
	}

	got, err = creds.Credential(ctx, "dead")
	if failure.KindOf(err) != failure.AuthExpired || got.Session != "" {
		t.Errorf("Credential(dead) = %+v, %v; want kind %v and no session", got, err, failure.AuthExpired)
	}
	if !errors.Is(err, ErrSessionFlagged) || !strings.Contains(err.Error(), "AUTH_KEY_UNREGISTERED") {
		t.Errorf("Credential(dead) = %v, want the flagged cause and the stored error", err)
	}
	if msg := failure.UserMessage(err); !strings.Contains(msg, "@bob") {
		t.Errorf("UserMessage(Credential(dead)) = %q, want it to name @bob", msg)
	}
	got, err = creds.Credential(ctx, GlobalUser)
	if err != nil || got.Session != "shared-session" {
		t.Errorf("Credential(global) = %+v, %v; want shared session", got, err)
	}
	for _, user := range []string{"missing", "empty"} {
		if _, err := creds.Credential(ctx, user); failure.KindOf(err) != failure.AuthExpired {
			t.Errorf("Credential(%q) = %v, want kind %v", user, err, failure.AuthExpired)
		}
	}

	noGlobal := NewStoredCredentials(memSessions{}, box, "")
	if _, err := noGlobal.Credential(ctx, GlobalUser); failure.KindOf(err) != failure.NotConfigured {
		t.Errorf("Credential(global) without session = %v, want kind %v", err, failure.NotConfigured)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want failure.Kind
	}{
		{tgerr.New(401, "AUTH_KEY_UNREGISTERED"), failure.AuthExpired},
		{errors.Wrap(tgerr.New(401, "SESSION_REVOKED"), "history"), failure.AuthExpired},
		{tgerr.New(420, "FLOOD_WAIT_30"), failure.QuotaExceeded},
		{tgerr.New(400, "PEER_ID_INVALID"), failure.Unknown},
		{errors.New("i/o timeout"), failure.Unknown},
	}
	for _, tc := range cases {
		if got := failure.KindOf(classify(tc.err, "test")); got != tc.want {
			t.Errorf("classify(%v) kind = %v, want %v", tc.err, got, tc.want)
		}
	}
}
