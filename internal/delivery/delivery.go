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

// Package delivery uploads downloaded files to a user's Drive folder.
// Several credential strategies are tried in order; the first one that
// can write to a usable folder wins.
package delivery

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/drive"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DuplicateWindow is how far back an upload of the same name counts as
// a previous attempt of the same delivery.
const DuplicateWindow = time.Hour

// Files is the Drive surface the strategies upload through.
type Files interface {
	Account() string
	Folder(ctx context.Context, id string) (*message.Folder, error)
	FindRecent(ctx context.Context, folder, name string, since time.Time) (*message.RemoteFile, error)
	Upload(ctx context.Context, folder, name, mimeType, path string) (*message.RemoteFile, error)
}

// Connector turns a token source into Files acting as account.
type Connector interface {
	Connect(ctx context.Context, src oauth2.TokenSource, account string) (Files, error)
}

// DriveConnector connects to the real Drive API.
type DriveConnector struct {
	Limiter *rate.Limiter
	Clock   clock.Clock
	Log     zerolog.Logger

	// Base is the transport under the OAuth transport.  May be nil.
	Base http.RoundTripper
}

func (c *DriveConnector) Connect(ctx context.Context, src oauth2.TokenSource, account string) (Files, error) {
	s, err := drive.New(ctx, drive.NewHTTPClient(src, c.Base), account, c.Limiter, c.Clock, c.Log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Request describes one file to deliver.
type Request struct {
	UserID    string
	LocalPath string
	FileName  string
	MimeType  string

	// The channel's destination folder, as an id or a folder URL.
	Destination string
}

// Strategy is one way of obtaining Drive credentials for a user.
type Strategy interface {
	Name() string

	// Attempt delivers the job's file or returns a classified error.
	// failure.NotConfigured means the strategy does not apply to the
	// user.
	Attempt(ctx context.Context, job *Job) (*message.Delivery, error)
}

// CleanFolderID reduces a pasted folder reference to a bare id.
func CleanFolderID(s string) string {
	s = strings.TrimSpace(s)
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i, p := range parts {
			if p == "folders" && i+1 < len(parts) {
				return parts[i+1]
			}
		}
		if id := u.Query().Get("id"); id != "" {
			return id
		}
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, "/")
}

type Engine struct {
	strategies []Strategy
	clock      clock.Clock
	log        zerolog.Logger
}

// New returns an engine trying strategies in the given order.
func New(clk clock.Clock, log zerolog.Logger, strategies ...Strategy) *Engine {
	return &Engine{
		strategies: strategies,
		clock:      clk,
		log:        log.With().Str("component", "delivery").Logger(),
	}
}

// Deliver uploads the file described by req.  When every strategy
// fails, the last error that was not failure.NotConfigured is returned;
// if there is none the error is failure.NoUsableDestination.
func (e *Engine) Deliver(ctx context.Context, req Request) (*message.Delivery, error) {
	req.Destination = CleanFolderID(req.Destination)
	job := newJob(req, e.clock, e.log)
	var last error
	for _, s := range e.strategies {
		d, err := s.Attempt(ctx, job)
		if err == nil {
			d.Strategy = s.Name()
			e.log.Info().
				Str("user", req.UserID).
				Str("strategy", d.Strategy).
				Str("account", d.Account).
				Str("folder", d.Folder).
				Str("file", d.ExternalID).
				Bool("reused", d.Reused).
				Msg("delivered")
			return d, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := failure.KindOf(err)
		ev := e.log.Warn()
		if kind == failure.NotConfigured {
			ev = e.log.Debug()
		} else {
			last = err
		}
		ev.Err(err).Str("user", req.UserID).Str("strategy", s.Name()).Stringer("kind", kind).Msg("delivery strategy failed")
	}
	if last != nil {
		return nil, last
	}
	return nil, &failure.Error{Kind: failure.NoUsableDestination, Op: "delivery.deliver",
		Err: errors.New("no delivery strategy is configured for the user")}
}
