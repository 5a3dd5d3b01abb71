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
	"github.com/gotd/td/tgerr"
	"github.com/hotwellkz/p065-sub001/internal/failure"
)

// RPC error types meaning the session itself is dead and the user has
// to link Telegram again.
var deadSessionErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_DUPLICATED",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// classify turns RPC errors into failures.  Already classified errors
// and errors it does not recognise are returned unchanged.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if failure.KindOf(err) != failure.Unknown {
		return err
	}
	if tgerr.Is(err, deadSessionErrors...) {
		return &failure.Error{Kind: failure.AuthExpired, Op: op, Err: err}
	}
	if _, ok := tgerr.AsFloodWait(err); ok {
		return &failure.Error{Kind: failure.QuotaExceeded, Op: op, Err: err}
	}
	return err
}
