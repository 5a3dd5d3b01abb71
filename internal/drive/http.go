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

package drive

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	drive "google.golang.org/api/drive/v3"
)

// ScopeVersion is bumped whenever Scopes changes.  Integrations granted
// under an older version must be reconnected.
const ScopeVersion = 2

// Scopes requested when a user connects an integration.
var Scopes = []string{
	drive.DriveScope,
	"https://www.googleapis.com/auth/userinfo.email",
	"openid",
}

// OAuthConfig returns the client configuration used both for the consent
// flow and for refreshing stored tokens.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

// NewHTTPClient returns a client that authorizes every request with a
// token from src.  base may be nil.
func NewHTTPClient(src oauth2.TokenSource, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
		Base:   base,
	}}
}

// ServiceAccount describes the shared identity used when a user has no
// usable integration of their own.  Either KeyJSON, or Email plus
// PrivateKey, must be set.
type ServiceAccount struct {
	Email      string
	PrivateKey string
	KeyJSON    []byte
}

func (a ServiceAccount) Configured() bool {
	return len(a.KeyJSON) > 0 || (a.Email != "" && a.PrivateKey != "")
}

// TokenSource returns the service account's token source and the email
// it authenticates as.
func (a ServiceAccount) TokenSource(ctx context.Context) (oauth2.TokenSource, string, error) {
	if len(a.KeyJSON) > 0 {
		cfg, err := google.JWTConfigFromJSON(a.KeyJSON, drive.DriveScope)
		if err != nil {
			return nil, "", errors.Wrap(err, "parsing service account key")
		}
		return cfg.TokenSource(ctx), cfg.Email, nil
	}
	if !a.Configured() {
		return nil, "", errors.New("no service account configured")
	}
	cfg := &jwt.Config{
		Email:      a.Email,
		PrivateKey: []byte(a.PrivateKey),
		Scopes:     []string{drive.DriveScope},
		TokenURL:   google.JWTTokenURL,
	}
	return cfg.TokenSource(ctx), a.Email, nil
}
