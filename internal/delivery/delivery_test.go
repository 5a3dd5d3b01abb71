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
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/drive"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const serviceEmail = "bot@project.iam.gserviceaccount.com"

// fakeFiles is a Drive as seen by one account.  Folders missing from
// the map do not exist.
type fakeFiles struct {
	account  string
	folders  map[string]error
	existing map[string]*message.RemoteFile
	findErr  error

	lookups []string
	uploads []string
}

func (f *fakeFiles) Account() string { return f.account }

func (f *fakeFiles) Folder(ctx context.Context, id string) (*message.Folder, error) {
	f.lookups = append(f.lookups, id)
	err, ok := f.folders[id]
	if !ok {
		return nil, &failure.Error{Kind: failure.FolderNotFound, Op: "fake.folder", Account: f.account, Folder: id}
	}
	if err != nil {
		return nil, err
	}
	return &message.Folder{ID: id, Name: "folder " + id}, nil
}

func (f *fakeFiles) FindRecent(ctx context.Context, folder, name string, since time.Time) (*message.RemoteFile, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	rf := f.existing[folder+"/"+name]
	if rf == nil || !rf.CreatedAt.After(since) {
		return nil, nil
	}
	return rf, nil
}

func (f *fakeFiles) Upload(ctx context.Context, folder, name, mimeType, path string) (*message.RemoteFile, error) {
	f.uploads = append(f.uploads, folder+"/"+name)
	return &message.RemoteFile{ID: fmt.Sprintf("up%d", len(f.uploads)), Name: name, ViewLink: "https://drive/" + name}, nil
}

type fakeConnector map[string]*fakeFiles

func (c fakeConnector) Connect(ctx context.Context, src oauth2.TokenSource, account string) (Files, error) {
	f, ok := c[account]
	if !ok {
		return nil, errors.Errorf("unexpected account %q", account)
	}
	return f, nil
}

type memStore struct {
	integration *message.Integration
	legacy      *message.LegacyTokens
	saved       []message.Integration
	savedLegacy []message.LegacyTokens
}

func (m *memStore) Integration(ctx context.Context, userID, provider string) (*message.Integration, error) {
	if m.integration == nil {
		return nil, nil
	}
	rec := *m.integration
	return &rec, nil
}

func (m *memStore) SaveIntegration(ctx context.Context, rec *message.Integration) error {
	m.saved = append(m.saved, *rec)
	m.integration = rec
	return nil
}

func (m *memStore) LegacyTokens(ctx context.Context, userID string) (*message.LegacyTokens, error) {
	if m.legacy == nil {
		return nil, nil
	}
	rec := *m.legacy
	return &rec, nil
}

func (m *memStore) SaveLegacyTokens(ctx context.Context, rec *message.LegacyTokens) error {
	m.savedLegacy = append(m.savedLegacy, *rec)
	m.legacy = rec
	return nil
}

type fakeRefresher struct {
	err   error
	calls int
}

func (r *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &oauth2.Token{AccessToken: "fresh-" + refreshToken}, nil
}

type fixture struct {
	store     *memStore
	refresher *fakeRefresher
	conn      fakeConnector
	clock     *clock.Fake
	engine    *Engine
}

func newFixture() *fixture {
	f := &fixture{
		store:     &memStore{},
		refresher: &fakeRefresher{},
		conn:      fakeConnector{},
		clock:     clock.NewFake(epoch),
	}
	log := zerolog.Nop()
	f.engine = New(f.clock, log,
		&Managed{Store: f.store, Refresher: f.refresher, Connector: f.conn, Clock: f.clock, Log: log},
		&Legacy{Store: f.store, Refresher: f.refresher, Connector: f.conn, Clock: f.clock},
		&Shared{
			Account:       drive.ServiceAccount{Email: serviceEmail, PrivateKey: "unused"},
			DefaultFolder: "default",
			Connector:     f.conn,
			Log:           log,
		},
	)
	return f
}

func (f *fixture) activeIntegration() {
	f.store.integration = &message.Integration{
		UserID:       "u1",
		Provider:     message.ProviderGoogleDrive,
		AccountEmail: "me@example.com",
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       epoch.Add(time.Hour),
		Status:       message.StatusActive,
		ScopeVersion: drive.ScopeVersion,
	}
}

func request(dest string) Request {
	return Request{UserID: "u1", LocalPath: "/tmp/x.mp4", FileName: "Gen_42.mp4", MimeType: "video/mp4", Destination: dest}
}

func TestCleanFolderID(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"abc123", "abc123"},
		{"  abc123  ", "abc123"},
		{"abc123?usp=sharing", "abc123"},
		{"https://drive.google.com/drive/folders/abc123", "abc123"},
		{"https://drive.google.com/drive/u/0/folders/abc123?usp=sharing", "abc123"},
		{"https://drive.google.com/open?id=abc123", "abc123"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CleanFolderID(tc.in); got != tc.want {
			t.Errorf("CleanFolderID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestManagedWins(t *testing.T) {
	f := newFixture()
	f.activeIntegration()
	mine := &fakeFiles{account: "me@example.com", folders: map[string]error{"f1": nil}}
	f.conn["me@example.com"] = mine

	got, err := f.engine.Deliver(context.Background(), request("https://drive.google.com/drive/folders/f1"))
	if err != nil {
		t.Fatalf("Deliver() = %v", err)
	}
	want := &message.Delivery{ExternalID: "up1", Name: "Gen_42.mp4", ViewLink: "https://drive/Gen_42.mp4",
		Folder: "f1", Account: "me@example.com", Strategy: "managed"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Deliver() (-want +got):\n%s", diff)
	}
	if f.refresher.calls != 0 {
		t.Errorf("refresher called %d times for a valid token", f.refresher.calls)
	}
}

func TestFallbackOrder(t *testing.T) {
	f := newFixture()
	f.activeIntegration()
	f.store.legacy = &message.LegacyTokens{UserID: "u1", AccessToken: "old", RefreshToken: "lr", Expiry: epoch.Add(-time.Minute)}
	denied := &failure.Error{Kind: failure.PermissionDenied, Op: "fake.folder", Account: "me@example.com", Folder: "f1"}
	f.conn["me@example.com"] = &fakeFiles{account: "me@example.com", folders: map[string]error{"f1": denied}}
	legacy := &fakeFiles{account: "", folders: map[string]error{}}
	f.conn[""] = legacy
	shared := &fakeFiles{account: serviceEmail, folders: map[string]error{"f1": nil}}
	f.conn[serviceEmail] = shared

	got, err := f.engine.Deliver(context.Background(), request("f1"))
	if err != nil {
		t.Fatalf("Deliver() = %v", err)
	}
	if got.Strategy != "shared" || got.Account != serviceEmail || got.Folder != "f1" {
		t.Errorf("Deliver() = %+v, want shared delivery into f1", got)
	}
	if diff := cmp.Diff([]string{"f1/Gen_42.mp4"}, shared.uploads); diff != "" {
		t.Errorf("shared uploads (-want +got):\n%s", diff)
	}
	if len(f.store.savedLegacy) != 1 || f.store.savedLegacy[0].AccessToken != "fresh-lr" {
		t.Errorf("refreshed legacy tokens not persisted: %+v", f.store.savedLegacy)
	}
}

func TestSharedFallsBackToDefaultFolder(t *testing.T) {
	f := newFixture()
	shared := &fakeFiles{account: serviceEmail, folders: map[string]error{"default": nil}}
	f.conn[serviceEmail] = shared

	got, err := f.engine.Deliver(context.Background(), request("private"))
	if err != nil {
		t.Fatalf("Deliver() = %v", err)
	}
	if got.Folder != "default" {
		t.Errorf("Deliver() folder = %q, want default", got.Folder)
	}
	if diff := cmp.Diff([]string{"private", "default"}, shared.lookups); diff != "" {
		t.Errorf("folder lookups (-want +got):\n%s", diff)
	}
}

func TestNoUsableDestination(t *testing.T) {
	f := newFixture()
	f.conn[serviceEmail] = &fakeFiles{account: serviceEmail, folders: map[string]error{}}

	_, err := f.engine.Deliver(context.Background(), request("private"))
	if got := failure.KindOf(err); got != failure.NoUsableDestination {
		t.Fatalf("Deliver() = %v, want kind %v", err, failure.NoUsableDestination)
	}
	if got := failure.AccountOf(err); got != serviceEmail {
		t.Errorf("AccountOf(err) = %q, want %q", got, serviceEmail)
	}
}

func TestNothingConfigured(t *testing.T) {
	f := newFixture()
	f.engine = New(f.clock, zerolog.Nop(),
		&Managed{Store: f.store, Refresher: f.refresher, Connector: f.conn, Clock: f.clock, Log: zerolog.Nop()},
		&Shared{Connector: f.conn, Log: zerolog.Nop()},
	)
	_, err := f.engine.Deliver(context.Background(), request("f1"))
	if got := failure.KindOf(err); got != failure.NoUsableDestination {
		t.Errorf("Deliver() = %v, want kind %v", err, failure.NoUsableDestination)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	f := newFixture()
	f.activeIntegration()
	mine := &fakeFiles{
		account: "me@example.com",
		folders: map[string]error{"f1": nil},
		existing: map[string]*message.RemoteFile{
			"f1/Gen_42.mp4": {ID: "prev", Name: "Gen_42.mp4", CreatedAt: epoch.Add(-30 * time.Minute)},
		},
	}
	f.conn["me@example.com"] = mine

	got, err := f.engine.Deliver(context.Background(), request("f1"))
	if err != nil {
		t.Fatal(err)
	}
	if got.ExternalID != "prev" || !got.Reused || len(mine.uploads) != 0 {
		t.Errorf("Deliver() within window = %+v, uploads %v; want reuse of prev", got, mine.uploads)
	}

	// Past the window the same name is uploaded again.
	f.clock.Advance(time.Hour)
	got, err = f.engine.Deliver(context.Background(), request("f1"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Reused || len(mine.uploads) != 1 {
		t.Errorf("Deliver() past window = %+v, uploads %v; want a new upload", got, mine.uploads)
	}

	// A failing duplicate check does not block the upload.
	mine.findErr = errors.New("list failed")
	if _, err := f.engine.Deliver(context.Background(), request("f1")); err != nil || len(mine.uploads) != 2 {
		t.Errorf("Deliver() with failing check = %v, uploads %v", err, mine.uploads)
	}
}

func TestManagedRefreshFailure(t *testing.T) {
	f := newFixture()
	f.activeIntegration()
	f.store.integration.Expiry = epoch.Add(30 * time.Second)
	f.refresher.err = &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	f.engine = New(f.clock, zerolog.Nop(),
		&Managed{Store: f.store, Refresher: f.refresher, Connector: f.conn, Clock: f.clock, Log: zerolog.Nop()})

	_, err := f.engine.Deliver(context.Background(), request("f1"))
	if got := failure.KindOf(err); got != failure.AuthExpired {
		t.Fatalf("Deliver() = %v, want kind %v", err, failure.AuthExpired)
	}
	if len(f.store.saved) != 1 {
		t.Fatalf("SaveIntegration called %d times, want 1", len(f.store.saved))
	}
	rec := f.store.saved[0]
	if rec.Status != message.StatusError || rec.LastError == "" || rec.RefreshToken != "refresh" {
		t.Errorf("saved integration = %+v, want status error with last error and the old refresh token", rec)
	}
}

func TestManagedRefreshesStaleToken(t *testing.T) {
	f := newFixture()
	f.activeIntegration()
	f.store.integration.Expiry = epoch.Add(-time.Second)
	f.conn["me@example.com"] = &fakeFiles{account: "me@example.com", folders: map[string]error{"f1": nil}}

	if _, err := f.engine.Deliver(context.Background(), request("f1")); err != nil {
		t.Fatal(err)
	}
	if len(f.store.saved) != 1 {
		t.Fatalf("SaveIntegration called %d times, want 1", len(f.store.saved))
	}
	rec := f.store.saved[0]
	if rec.AccessToken != "fresh-refresh" || rec.RefreshToken != "refresh" || !rec.Expiry.Equal(epoch.Add(time.Hour)) {
		t.Errorf("saved integration = %+v", rec)
	}
}

func TestOutdatedScopeSkipsManaged(t *testing.T) {
	f := newFixture()
	f.activeIntegration()
	f.store.integration.ScopeVersion = drive.ScopeVersion - 1
	shared := &fakeFiles{account: serviceEmail, folders: map[string]error{"f1": nil}}
	f.conn[serviceEmail] = shared

	got, err := f.engine.Deliver(context.Background(), request("f1"))
	if err != nil || got.Strategy != "shared" {
		t.Errorf("Deliver() = %+v, %v; want shared delivery", got, err)
	}
}
