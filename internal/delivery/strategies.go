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

package delivery

import (
	"context"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/drive"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	// Tokens expiring sooner than this are refreshed before use.
	expiryDelta = time.Minute

	// Assumed lifetime of a refreshed token that carries no expiry.
	defaultLifetime = time.Hour
)

// IntegrationStore holds the per-user credentials the strategies use.
type IntegrationStore interface {
	Integration(ctx context.Context, userID, provider string) (*message.Integration, error)
	SaveIntegration(ctx context.Context, rec *message.Integration) error
	LegacyTokens(ctx context.Context, userID string) (*message.LegacyTokens, error)
	SaveLegacyTokens(ctx context.Context, rec *message.LegacyTokens) error
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher refreshes tokens against Google's token endpoint.
type OAuthRefresher struct {
	Config *oauth2.Config
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func stale(now time.Time, access string, expiry time.Time) bool {
	return access == "" || (!expiry.IsZero() && !now.Add(expiryDelta).Before(expiry))
}

func notConfigured(op, format string, args ...interface{}) error {
	return &failure.Error{Kind: failure.NotConfigured, Op: op, Err: errors.Errorf(format, args...)}
}

// refresh returns a usable access token and expiry, refreshing when
// the stored one is stale.  refreshed reports whether a new token was
// obtained.
func refresh(ctx context.Context, r Refresher, clk clock.Clock, access, refreshToken string, expiry time.Time) (tok *oauth2.Token, refreshed bool, err error) {
	now := clk.Now()
	if !stale(now, access, expiry) {
		return &oauth2.Token{AccessToken: access, TokenType: "Bearer", Expiry: expiry}, false, nil
	}
	if refreshToken == "" {
		return nil, false, errors.New("access token expired and no refresh token is stored")
	}
	tok, err = r.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, false, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = now.Add(defaultLifetime)
	}
	return tok, true, nil
}

// Managed delivers with the user's integration record.
type Managed struct {
	Store     IntegrationStore
	Refresher Refresher
	Connector Connector
	Clock     clock.Clock
	Log       zerolog.Logger
}

func (m *Managed) Name() string { return "managed" }

func (m *Managed) Attempt(ctx context.Context, job *Job) (*message.Delivery, error) {
	const op = "delivery.managed"
	user := job.Request.UserID
	rec, err := m.Store.Integration(ctx, user, message.ProviderGoogleDrive)
	if err != nil {
		return nil, errors.Wrap(err, "loading integration")
	}
	switch {
	case rec == nil:
		return nil, notConfigured(op, "no integration for user %s", user)
	case rec.Status != message.StatusActive:
		return nil, notConfigured(op, "integration is %s", rec.Status)
	case rec.ScopeVersion < drive.ScopeVersion:
		return nil, notConfigured(op, "integration granted under scope version %d, want %d", rec.ScopeVersion, drive.ScopeVersion)
	case job.Request.Destination == "":
		return nil, notConfigured(op, "channel has no destination folder")
	}

	tok, refreshed, err := refresh(ctx, m.Refresher, m.Clock, rec.AccessToken, rec.RefreshToken, rec.Expiry)
	if err != nil {
		rec.Status = message.StatusError
		rec.LastError = err.Error()
		rec.UpdatedAt = m.Clock.Now()
		if serr := m.Store.SaveIntegration(ctx, rec); serr != nil {
			m.Log.Error().Err(serr).Str("user", user).Msg("recording integration failure")
		}
		return nil, &failure.Error{Kind: failure.AuthExpired, Op: op, Account: rec.AccountEmail, Err: err}
	}
	if refreshed {
		rec.AccessToken = tok.AccessToken
		rec.RefreshToken = tok.RefreshToken
		rec.Expiry = tok.Expiry
		rec.LastError = ""
		rec.UpdatedAt = m.Clock.Now()
		if err := m.Store.SaveIntegration(ctx, rec); err != nil {
			m.Log.Warn().Err(err).Str("user", user).Msg("saving refreshed integration token")
		}
	}

	files, err := m.Connector.Connect(ctx, oauth2.StaticTokenSource(tok), rec.AccountEmail)
	if err != nil {
		return nil, errors.Wrap(err, "connecting with integration")
	}
	return job.Upload(ctx, files, job.Request.Destination)
}

// Legacy delivers with the deprecated per-user token pair.
type Legacy struct {
	Store     IntegrationStore
	Refresher Refresher
	Connector Connector
	Clock     clock.Clock
}

func (l *Legacy) Name() string { return "legacy" }

func (l *Legacy) Attempt(ctx context.Context, job *Job) (*message.Delivery, error) {
	const op = "delivery.legacy"
	user := job.Request.UserID
	rec, err := l.Store.LegacyTokens(ctx, user)
	if err != nil {
		return nil, errors.Wrap(err, "loading legacy tokens")
	}
	switch {
	case rec == nil || (rec.AccessToken == "" && rec.RefreshToken == ""):
		return nil, notConfigured(op, "no legacy tokens for user %s", user)
	case job.Request.Destination == "":
		return nil, notConfigured(op, "channel has no destination folder")
	}

	tok, refreshed, err := refresh(ctx, l.Refresher, l.Clock, rec.AccessToken, rec.RefreshToken, rec.Expiry)
	if err != nil {
		return nil, &failure.Error{Kind: failure.AuthExpired, Op: op, Err: err}
	}
	if refreshed {
		rec.AccessToken = tok.AccessToken
		rec.RefreshToken = tok.RefreshToken
		rec.Expiry = tok.Expiry
		rec.UpdatedAt = l.Clock.Now()
		if err := l.Store.SaveLegacyTokens(ctx, rec); err != nil {
			return nil, errors.Wrap(err, "saving refreshed legacy tokens")
		}
	}

	files, err := l.Connector.Connect(ctx, oauth2.StaticTokenSource(tok), "")
	if err != nil {
		return nil, errors.Wrap(err, "connecting with legacy tokens")
	}
	return job.Upload(ctx, files, job.Request.Destination)
}

// Shared delivers as the service account.  When the channel's folder is
// not usable the configured default folder is tried.
type Shared struct {
	Account       drive.ServiceAccount
	DefaultFolder string
	Connector     Connector
	Log           zerolog.Logger
}

func (s *Shared) Name() string { return "shared" }

func (s *Shared) Attempt(ctx context.Context, job *Job) (*message.Delivery, error) {
	const op = "delivery.shared"
	if !s.Account.Configured() {
		return nil, notConfigured(op, "no service account")
	}
	src, email, err := s.Account.TokenSource(ctx)
	if err != nil {
		return nil, failure.Wrap(err, failure.NotConfigured, op)
	}
	files, err := s.Connector.Connect(ctx, src, email)
	if err != nil {
		return nil, errors.Wrap(err, "connecting as service account")
	}

	var folders []string
	for _, f := range []string{job.Request.Destination, CleanFolderID(s.DefaultFolder)} {
		if f != "" && (len(folders) == 0 || folders[0] != f) {
			folders = append(folders, f)
		}
	}
	if len(folders) == 0 {
		return nil, &failure.Error{Kind: failure.NoUsableDestination, Op: op, Account: email,
			Err: errors.New("no destination folder and no default folder")}
	}

	var last error
	for _, folder := range folders {
		d, err := job.Upload(ctx, files, folder)
		if err == nil {
			return d, nil
		}
		switch failure.KindOf(err) {
		case failure.FolderNotFound, failure.PermissionDenied:
			s.Log.Info().Err(err).Str("folder", folder).Msg("folder not usable by service account")
			last = err
		default:
			return nil, err
		}
	}
	return nil, &failure.Error{Kind: failure.NoUsableDestination, Op: op, Account: email, Err: last}
}
