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
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	FolderMimeType = "application/vnd.google-apps.folder"

	// See https://developers.google.com/drive/api/guides/limits
	requestsPerSecond  = 10
	rateLimitPerSecond = requestsPerSecond * 0.8
	rateLimitBurst     = requestsPerSecond

	maxQuotaRetries = 3
	quotaBackoff    = 2 * time.Second
)

// NewLimiter returns the limiter shared by every Service of the
// process.
func NewLimiter() *rate.Limiter {
	return rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
}

// Service accesses Drive as one account.
type Service struct {
	files   *drive.FilesService
	about   *drive.AboutService
	account string
	limiter *rate.Limiter
	clock   clock.Clock
	log     zerolog.Logger
}

// New returns a Service using client for transport.  account names the
// identity client authenticates as; it is only used in errors and logs.
// An empty account is looked up from Drive.  Failing to look it up is
// not an error; the account then stays unknown.
func New(ctx context.Context, client *http.Client, account string, limiter *rate.Limiter, clk clock.Clock, log zerolog.Logger, opts ...option.ClientOption) (*Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	ds, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating drive service")
	}
	s := &Service{
		files:   ds.Files,
		about:   ds.About,
		limiter: limiter,
		clock:   clk,
		log:     log.With().Str("component", "drive").Logger(),
	}
	if account == "" {
		if account, err = s.WhoAmI(ctx); err != nil {
			s.log.Warn().Err(err).Msg("looking up drive account")
		}
	}
	s.account = account
	s.log = s.log.With().Str("account", account).Logger()
	return s, nil
}

// WhoAmI returns the email address of the authenticated user.
func (s *Service) WhoAmI(ctx context.Context) (string, error) {
	const op = "drive.about"
	var about *drive.About
	err := s.do(ctx, op, "", func() (err error) {
		about, err = s.about.Get().
			Fields("user(emailAddress)").
			Context(ctx).
			Do()
		return
	})
	if err != nil {
		return "", err
	}
	if about.User == nil {
		return "", nil
	}
	return about.User.EmailAddress, nil
}

func (s *Service) Account() string { return s.account }

// do runs call under the rate limiter, retrying quota errors with a
// growing backoff.  The returned error is classified.
func (s *Service) do(ctx context.Context, op, folder string, call func() error) error {
	backoff := quotaBackoff
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		err := classify(call(), op, s.account, folder)
		if err == nil {
			return nil
		}
		if failure.KindOf(err) != failure.QuotaExceeded || attempt >= maxQuotaRetries {
			return err
		}
		s.log.Warn().Str("op", op).Dur("backoff", backoff).Msg("drive quota exceeded; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(backoff):
		}
		backoff *= 2
	}
}

// Folder looks id up and checks that it is a folder.
func (s *Service) Folder(ctx context.Context, id string) (*message.Folder, error) {
	const op = "drive.folder"
	var f *drive.File
	err := s.do(ctx, op, id, func() (err error) {
		f, err = s.files.Get(id).
			Fields("id, name, mimeType").
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return
	})
	if err != nil {
		return nil, err
	}
	if f.MimeType != FolderMimeType {
		return nil, &failure.Error{Kind: failure.FolderNotFound, Op: op, Account: s.account, Folder: id,
			Err: errors.Errorf("%q is a %s, not a folder", f.Name, f.MimeType)}
	}
	return &message.Folder{ID: f.Id, Name: f.Name}, nil
}

func quote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// FindRecent returns the newest non-trashed file called name in folder
// created after since, or nil.
func (s *Service) FindRecent(ctx context.Context, folder, name string, since time.Time) (*message.RemoteFile, error) {
	const op = "drive.find"
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false and createdTime > '%s'",
		quote(name), quote(folder), since.UTC().Format(time.RFC3339))
	var list *drive.FileList
	err := s.do(ctx, op, folder, func() (err error) {
		list, err = s.files.List().
			Q(q).
			OrderBy("createdTime desc").
			PageSize(1).
			Fields("files(id, name, webViewLink, createdTime)").
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx).
			Do()
		return
	})
	if err != nil {
		return nil, err
	}
	if len(list.Files) == 0 {
		return nil, nil
	}
	return remoteFile(list.Files[0]), nil
}

// Upload creates name in folder with the content of the local file at
// path.
func (s *Service) Upload(ctx context.Context, folder, name, mimeType, path string) (*message.RemoteFile, error) {
	const op = "drive.upload"
	var f *drive.File
	err := s.do(ctx, op, folder, func() error {
		r, err := os.Open(path)
		if err != nil {
			return err
		}
		defer r.Close()
		f, err = s.files.Create(&drive.File{Name: name, Parents: []string{folder}, MimeType: mimeType}).
			Media(r, googleapi.ContentType(mimeType)).
			Fields("id, name, webViewLink, createdTime").
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("folder", folder).Str("file", f.Id).Str("name", name).Msg("uploaded file")
	return remoteFile(f), nil
}

func remoteFile(f *drive.File) *message.RemoteFile {
	rf := &message.RemoteFile{ID: f.Id, Name: f.Name, ViewLink: f.WebViewLink}
	if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
		rf.CreatedAt = t
	}
	return rf
}

// classify maps Drive API and token errors onto failure kinds.
func classify(err error, op, account, folder string) error {
	if err == nil {
		return nil
	}
	if failure.KindOf(err) != failure.Unknown {
		return err
	}
	kind := failure.Unknown
	var gerr *googleapi.Error
	var rerr *oauth2.RetrieveError
	switch {
	case errors.As(err, &gerr):
		switch gerr.Code {
		case http.StatusNotFound:
			kind = failure.FolderNotFound
		case http.StatusForbidden:
			kind = failure.PermissionDenied
			for _, item := range gerr.Errors {
				switch item.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded":
					kind = failure.QuotaExceeded
				case "storageQuotaExceeded":
					kind = failure.TooLarge
				}
			}
		case http.StatusUnauthorized:
			kind = failure.AuthExpired
		case http.StatusTooManyRequests:
			kind = failure.QuotaExceeded
		case http.StatusRequestEntityTooLarge:
			kind = failure.TooLarge
		}
	case errors.As(err, &rerr):
		kind = failure.AuthExpired
	}
	return &failure.Error{Kind: kind, Op: op, Account: account, Folder: folder, Err: err}
}
