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

// Package download finds freshly generated videos in a chat and pulls
// them into verified temporary files.
package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/hotwellkz/p065-sub001/internal/spool"
	"github.com/rs/zerolog"
)

const (
	DefaultListTimeout     = 30 * time.Second
	DefaultDownloadTimeout = 5 * time.Minute
	DefaultMinSize         = 1 << 10
	DefaultMaxSize         = 100 << 20

	// How many recent messages are listed.  A marker usually sits a
	// few messages back behind the generator's progress chatter, so
	// more are read when one is given.
	limitWithMarker = 100
	limitPlain      = 50
)

var videoExts = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
}

// Source is the part of a Telegram connection the engine reads from.
type Source interface {
	History(ctx context.Context, chat string, limit int) ([]message.Message, error)
	Download(ctx context.Context, chat string, id int, w io.Writer) error
}

type Engine struct {
	spool *spool.Dir
	clock clock.Clock
	log   zerolog.Logger

	ListTimeout     time.Duration
	DownloadTimeout time.Duration
	MinSize         int64
	MaxSize         int64

	writeFile func(name string, data []byte) error
}

func New(dir *spool.Dir, clk clock.Clock, log zerolog.Logger) *Engine {
	return &Engine{
		spool:           dir,
		clock:           clk,
		log:             log.With().Str("component", "download").Logger(),
		ListTimeout:     DefaultListTimeout,
		DownloadTimeout: DefaultDownloadTimeout,
		MinSize:         DefaultMinSize,
		MaxSize:         DefaultMaxSize,
		writeFile:       spool.WriteFile,
	}
}

// IsVideo reports whether m carries a video: a video attachment, or a
// document whose MIME type or file extension says video.
func IsVideo(m message.Message) bool {
	if m.Media == nil {
		return false
	}
	if m.Media.Video {
		return true
	}
	mime := strings.ToLower(m.Media.MimeType)
	if strings.HasPrefix(mime, "video/") {
		return true
	}
	return videoExts[strings.ToLower(filepath.Ext(m.Media.FileName))]
}

// FileName returns the name a downloaded item is known by.
func FileName(m message.Message) string {
	if m.Media != nil && m.Media.FileName != "" {
		return m.Media.FileName
	}
	return fmt.Sprintf("video_%d.mp4", m.ID)
}

// MimeType returns the declared MIME type, defaulting to video/mp4.
func MimeType(m message.Message) string {
	if m.Media != nil && m.Media.MimeType != "" && m.Media.MimeType != "application/octet-stream" {
		return m.Media.MimeType
	}
	return "video/mp4"
}

// race runs fn and gives up after d.  A timeout is reported as kind.
// fn keeps running in the background until it notices ctx is done.
func (e *Engine) race(ctx context.Context, d time.Duration, kind failure.Kind, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-e.clock.After(d):
		return failure.New(kind, op)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) list(ctx context.Context, src Source, chat string, limit int) ([]message.Message, error) {
	var msgs []message.Message
	err := e.race(ctx, e.ListTimeout, failure.ListTimeout, "download.list", func(ctx context.Context) error {
		var err error
		msgs, err = src.History(ctx, chat, limit)
		return err
	})
	if err != nil {
		if failure.KindOf(err) == failure.Unknown {
			err = failure.Wrap(err, failure.DownloadFailed, "download.list")
		}
		return nil, err
	}
	return msgs, nil
}

// candidates keeps the videos newer than the marker, newest first.
// Ties on date go to the higher id.
func candidates(msgs []message.Message, after int) []message.Message {
	var out []message.Message
	for _, m := range msgs {
		if after > 0 && m.ID <= after {
			continue
		}
		if IsVideo(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Latest returns the newest video in chat.  A positive after is a
// marker: only messages with a greater id qualify, and the marker
// itself is never returned.
func (e *Engine) Latest(ctx context.Context, src Source, chat string, after int) (message.Message, error) {
	limit := limitPlain
	if after > 0 {
		limit = limitWithMarker
	}
	msgs, err := e.list(ctx, src, chat, limit)
	if err != nil {
		return message.Message{}, err
	}
	c := candidates(msgs, after)
	if len(c) == 0 {
		e.log.Debug().Str("chat", chat).Int("after", after).Int("listed", len(msgs)).Msg("no video yet")
		return message.Message{}, failure.New(failure.NoMediaFound, "download.latest")
	}
	return c[0], nil
}

// ListSince returns the videos among the limit most recent messages
// that are dated at or after since, oldest first.  A zero since returns
// every listed video; a limit of zero or less lists the default number.
func (e *Engine) ListSince(ctx context.Context, src Source, chat string, since time.Time, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = limitPlain
	}
	msgs, err := e.list(ctx, src, chat, limit)
	if err != nil {
		return nil, err
	}
	since = since.Truncate(time.Second)
	var out []message.Message
	for _, m := range candidates(msgs, 0) {
		if !since.IsZero() && m.Date.Before(since) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FetchLatest is Latest followed by Fetch.
func (e *Engine) FetchLatest(ctx context.Context, src Source, chat string, after int) (*message.Pending, error) {
	m, err := e.Latest(ctx, src, chat, after)
	if err != nil {
		return nil, err
	}
	return e.Fetch(ctx, src, chat, m)
}

// Fetch downloads the media of m into a new temporary file and verifies
// it.  On error no file is left behind.
func (e *Engine) Fetch(ctx context.Context, src Source, chat string, m message.Message) (*message.Pending, error) {
	const op = "download.fetch"
	var buf bytes.Buffer
	err := e.race(ctx, e.DownloadTimeout, failure.DownloadTimeout, op, func(ctx context.Context) error {
		return src.Download(ctx, chat, m.ID, &buf)
	})
	if err != nil {
		if failure.KindOf(err) == failure.Unknown {
			err = failure.Wrap(err, failure.DownloadFailed, op)
		}
		return nil, err
	}
	data := buf.Bytes()
	if len(data) == 0 {
		return nil, &failure.Error{Kind: failure.DownloadFailed, Op: op,
			Err: fmt.Errorf("message %d: empty payload", m.ID)}
	}

	name := FileName(m)
	path := e.spool.TempPath(filepath.Ext(name))
	if err := e.writeFile(path, data); err != nil {
		os.Remove(path)
		return nil, failure.Wrap(err, failure.DownloadFailed, op)
	}
	if err := e.verify(path, int64(len(data))); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			e.log.Warn().Err(rmErr).Str("path", path).Msg("removing rejected download failed")
		}
		return nil, err
	}

	e.log.Info().Str("chat", chat).Int("message", m.ID).Int("bytes", len(data)).Msg("downloaded video")
	return &message.Pending{
		Path:     path,
		FileName: name,
		MimeType: MimeType(m),
		Size:     int64(len(data)),
		ItemID:   m.ID,
	}, nil
}

// verify compares the file on disk with the size that was fetched.
func (e *Engine) verify(path string, want int64) error {
	const op = "download.verify"
	st, err := os.Stat(path)
	if err != nil {
		return failure.Wrap(err, failure.DownloadIntegrity, op)
	}
	if st.Size() != want {
		return &failure.Error{Kind: failure.DownloadIntegrity, Op: op,
			Err: fmt.Errorf("wrote %d bytes, fetched %d", st.Size(), want)}
	}
	if st.Size() < e.MinSize {
		return &failure.Error{Kind: failure.DownloadIntegrity, Op: op,
			Err: fmt.Errorf("%d bytes is below the %d byte minimum", st.Size(), e.MinSize)}
	}
	if e.MaxSize > 0 && st.Size() > e.MaxSize {
		return &failure.Error{Kind: failure.TooLarge, Op: op,
			Err: fmt.Errorf("%d bytes exceeds the %d byte limit", st.Size(), e.MaxSize)}
	}
	return nil
}
