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

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/delivery"
	"github.com/hotwellkz/p065-sub001/internal/download"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/hotwellkz/p065-sub001/internal/notify"
	"github.com/hotwellkz/p065-sub001/internal/spool"
	"github.com/hotwellkz/p065-sub001/internal/telegram"
	"github.com/rs/zerolog"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type chatConn struct {
	msgs     []message.Message
	payloads map[int][]byte
}

func (c *chatConn) History(ctx context.Context, chat string, limit int) ([]message.Message, error) {
	return c.msgs, nil
}

func (c *chatConn) Download(ctx context.Context, chat string, id int, w io.Writer) error {
	_, err := w.Write(c.payloads[id])
	return err
}

func (c *chatConn) Send(ctx context.Context, chat, text string) error { return nil }
func (c *chatConn) Alive() bool { return true }
func (c *chatConn) Close() error { return nil }

type fakeSessions struct {
	conn     *chatConn
	err      error
	released []string
}

func (s *fakeSessions) Acquire(ctx context.Context, userID string) (*telegram.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &telegram.Session{Conn: s.conn, UserID: userID}, nil
}

func (s *fakeSessions) Release(userID string) { s.released = append(s.released, userID) }

type channels map[string]*message.Channel

func (c channels) Channel(ctx context.Context, id string) (*message.Channel, error) {
	return c[id], nil
}

type fakeDelivery struct {
	reqs []delivery.Request
	err  error
	// Paths that existed when Deliver was called.
	seen []bool
}

func (d *fakeDelivery) Deliver(ctx context.Context, req delivery.Request) (*message.Delivery, error) {
	_, statErr := os.Stat(req.LocalPath)
	d.seen = append(d.seen, statErr == nil)
	d.reqs = append(d.reqs, req)
	if d.err != nil {
		return nil, d.err
	}
	return &message.Delivery{ExternalID: fmt.Sprintf("drive-%d", len(d.reqs)), Name: req.FileName, ViewLink: "https://drive/" + req.FileName}, nil
}

type memLedger map[string]string

func (l memLedger) Lookup(ctx context.Context, channelID string, itemID int) *message.ProcessedItem {
	ref, ok := l[fmt.Sprintf("%s/%d", channelID, itemID)]
	if !ok {
		return nil
	}
	return &message.ProcessedItem{ChannelID: channelID, ItemID: itemID, DeliveryRef: ref}
}

func (l memLedger) MarkProcessed(ctx context.Context, channelID string, itemID int, ref string) (string, error) {
	k := fmt.Sprintf("%s/%d", channelID, itemID)
	if prev, ok := l[k]; ok {
		return prev, nil
	}
	l[k] = ref
	return ref, nil
}

type recordingNotifier struct {
	texts []string
}

func (n *recordingNotifier) Notify(ctx context.Context, t notify.Target, text string) {
	n.texts = append(n.texts, text)
}

type marks []string

func (m *marks) MarkTelegramSession(ctx context.Context, userID, status, lastError string) error {
	*m = append(*m, userID+":"+status)
	return nil
}

type fixture struct {
	runner   *Runner
	sessions *fakeSessions
	delivery *fakeDelivery
	ledger   memLedger
	notifier *recordingNotifier
	marks    *marks
	spool    string
}

func video(id int, at time.Time) message.Message {
	return message.Message{ID: id, Date: at, Media: &message.Media{Video: true, MimeType: "video/mp4"}}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	sp, err := spool.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		sessions: &fakeSessions{conn: &chatConn{
			msgs: []message.Message{
				video(11, epoch.Add(time.Minute)),
				{ID: 10, Date: epoch},
				video(9, epoch.Add(-time.Minute)),
			},
			payloads: map[int][]byte{
				9:  bytes.Repeat([]byte{9}, 2048),
				11: bytes.Repeat([]byte{11}, 2048),
			},
		}},
		delivery: &fakeDelivery{},
		ledger:   memLedger{},
		notifier: &recordingNotifier{},
		marks:    &marks{},
		spool:    dir,
	}
	f.runner = New(Deps{
		Channels: channels{"c1": {
			ID: "c1", UserID: "u1", Name: "My Gen!", Chat: "@gen", FolderID: "f1",
			Transport: message.TransportUser, PollingEnabled: true,
		}},
		Sessions:      f.sessions,
		Download:      download.New(sp, clock.NewFake(epoch), zerolog.Nop()),
		Delivery:      f.delivery,
		Ledger:        f.ledger,
		Notifier:      f.notifier,
		SessionStatus: f.marks,
		Log:           zerolog.Nop(),
		Clock:         clock.NewFake(epoch),
	})
	return f
}

func (f *fixture) spoolEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.spool)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("spool has %d files, want 0", len(entries))
	}
}

func TestRunJobHappyPath(t *testing.T) {
	f := newFixture(t)
	res, err := f.runner.RunJob(context.Background(), Job{UserID: "u1", ChannelID: "c1", AfterItemID: 10})
	if err != nil {
		t.Fatalf("RunJob() = %v", err)
	}
	if res.Outcome != Delivered || res.ItemID != 11 || res.DeliveryRef != "drive-1" {
		t.Errorf("RunJob() = %+v", res)
	}
	want := delivery.Request{UserID: "u1", LocalPath: f.delivery.reqs[0].LocalPath,
		FileName: "My_Gen_11.mp4", MimeType: "video/mp4", Destination: "f1"}
	if diff := cmp.Diff(want, f.delivery.reqs[0]); diff != "" {
		t.Errorf("delivery request (-want +got):\n%s", diff)
	}
	if !f.delivery.seen[0] {
		t.Errorf("temp file missing during delivery")
	}
	f.spoolEmpty(t)
	if len(f.notifier.texts) != 1 || !strings.Contains(f.notifier.texts[0], "My_Gen_11.mp4") {
		t.Errorf("notifications = %q, want one success message", f.notifier.texts)
	}
}

func TestRunJobIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := Job{UserID: "u1", ChannelID: "c1", AfterItemID: 10}
	if _, err := f.runner.RunJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	res, err := f.runner.RunJob(ctx, job)
	if err != nil {
		t.Fatalf("second RunJob() = %v", err)
	}
	if res.Outcome != Duplicate || res.DeliveryRef != "drive-1" {
		t.Errorf("second RunJob() = %+v, want duplicate of drive-1", res)
	}
	if n := len(f.delivery.reqs); n != 1 {
		t.Errorf("Deliver called %d times, want 1", n)
	}
	if n := len(f.notifier.texts); n != 1 {
		t.Errorf("%d notifications, want 1", n)
	}
}

func TestRunJobNoMedia(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.RunJob(context.Background(), Job{UserID: "u1", ChannelID: "c1", AfterItemID: 11})
	if got := failure.KindOf(err); got != failure.NoMediaFound {
		t.Errorf("RunJob(after=11) = %v, want kind %v", err, failure.NoMediaFound)
	}
	if len(f.notifier.texts) != 0 {
		t.Errorf("notifications = %q, want none for a video that is not ready", f.notifier.texts)
	}
}

func TestRunJobDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.delivery.err = &failure.Error{Kind: failure.PermissionDenied, Account: "bot@example.com"}
	_, err := f.runner.RunJob(context.Background(), Job{UserID: "u1", ChannelID: "c1"})
	if got := failure.KindOf(err); got != failure.PermissionDenied {
		t.Errorf("RunJob() = %v, want kind %v", err, failure.PermissionDenied)
	}
	if len(f.ledger) != 0 {
		t.Errorf("ledger = %v, want nothing recorded", f.ledger)
	}
	f.spoolEmpty(t)
	if len(f.notifier.texts) != 1 || !strings.Contains(f.notifier.texts[0], "bot@example.com") {
		t.Errorf("notifications = %q, want a failure naming the account", f.notifier.texts)
	}
	if len(f.sessions.released) != 0 {
		t.Errorf("sessions released on a delivery failure: %v", f.sessions.released)
	}
}

func TestRunJobSessionExpired(t *testing.T) {
	f := newFixture(t)
	f.sessions.err = failure.New(failure.AuthExpired, "telegram.dial")
	_, err := f.runner.RunJob(context.Background(), Job{UserID: "u1", ChannelID: "c1"})
	if got := failure.KindOf(err); got != failure.AuthExpired {
		t.Fatalf("RunJob() = %v, want kind %v", err, failure.AuthExpired)
	}
	if diff := cmp.Diff([]string{"u1"}, f.sessions.released); diff != "" {
		t.Errorf("released (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(marks{"u1:" + message.StatusError}, *f.marks); diff != "" {
		t.Errorf("session marks (-want +got):\n%s", diff)
	}
}

func TestRunJobFlaggedSessionKeepsMark(t *testing.T) {
	f := newFixture(t)
	f.sessions.err = &failure.Error{Kind: failure.AuthExpired, Op: "telegram.credential", Account: "@alice",
		Err: telegram.ErrSessionFlagged}
	_, err := f.runner.RunJob(context.Background(), Job{UserID: "u1", ChannelID: "c1"})
	if got := failure.KindOf(err); got != failure.AuthExpired {
		t.Fatalf("RunJob() = %v, want kind %v", err, failure.AuthExpired)
	}
	if len(*f.marks) != 0 {
		t.Errorf("session marks = %v, want the stored error left alone", *f.marks)
	}
	if len(f.notifier.texts) != 1 || !strings.Contains(f.notifier.texts[0], "@alice") {
		t.Errorf("notifications = %q, want one naming @alice", f.notifier.texts)
	}
}

func TestRunJobUnknownChannel(t *testing.T) {
	f := newFixture(t)
	for _, job := range []Job{{UserID: "u1", ChannelID: "nope"}, {UserID: "u2", ChannelID: "c1"}} {
		if _, err := f.runner.RunJob(context.Background(), job); failure.KindOf(err) != failure.NotConfigured {
			t.Errorf("RunJob(%+v) = %v, want kind %v", job, err, failure.NotConfigured)
		}
	}
}

func TestListNew(t *testing.T) {
	f := newFixture(t)
	ch := &message.Channel{ID: "c1", UserID: "u1", Chat: "@gen", LastCheckedAt: epoch}
	_, msgs, err := f.runner.ListNew(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != 11 {
		t.Errorf("ListNew() = %v, want only item 11", msgs)
	}

	ch.AlwaysReprocess = true
	_, msgs, err = f.runner.ListNew(context.Background(), ch)
	if err != nil || len(msgs) != 2 {
		t.Errorf("ListNew() with reprocess = %d items, %v; want 2", len(msgs), err)
	}
}

func TestRemoteName(t *testing.T) {
	cases := []struct {
		name, local, want string
	}{
		{"My Gen!", "video_5.mp4", "My_Gen_5.mp4"},
		{"Канал", "clip.MOV", "video_5.mov"},
		{"gen", "noext", "gen_5.mp4"},
	}
	for _, tc := range cases {
		if got := RemoteName(&message.Channel{Name: tc.name}, 5, tc.local); got != tc.want {
			t.Errorf("RemoteName(%q, 5, %q) = %q, want %q", tc.name, tc.local, got, tc.want)
		}
	}
}
