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
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	tgmessage "github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/peer"
	"github.com/gotd/td/tg"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// MTProtoDialer connects user sessions with gotd.
type MTProtoDialer struct {
	AppID   int
	AppHash string
	Log     zerolog.Logger
}

var _ Dialer = (*MTProtoDialer)(nil)

// loadSession fills storage from a session string.  gotd's own JSON
// session format and Telethon string sessions are accepted.
func loadSession(ctx context.Context, storage *session.StorageMemory, s string) error {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return storage.StoreSession(ctx, []byte(s))
	}
	data, err := session.TelethonSession(s)
	if err != nil {
		return err
	}
	loader := &session.Loader{Storage: storage}
	return loader.Save(ctx, data)
}

// Dial connects and checks that the session is authorized.  The
// connection outlives ctx; ctx only bounds the handshake.
func (d *MTProtoDialer) Dial(ctx context.Context, cred Credential) (Conn, error) {
	const op = "telegram.dial"
	storage := new(session.StorageMemory)
	if err := loadSession(ctx, storage, cred.Session); err != nil {
		return nil, &failure.Error{Kind: failure.AuthExpired, Op: op, Err: errors.Wrap(err, "unreadable session string")}
	}

	client := telegram.NewClient(d.AppID, d.AppHash, telegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		client:  client,
		cancel:  cancel,
		done:    make(chan struct{}),
		peers:   make(map[string]tg.InputPeerClass),
		account: cred.Account,
		log:     d.Log.With().Str("component", "telegram.conn").Str("user", cred.UserID).Logger(),
	}

	ready := make(chan error, 1)
	go func() {
		defer close(c.done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				ready <- err
				return err
			}
			if !status.Authorized {
				err := &failure.Error{Kind: failure.AuthExpired, Op: op,
					Err: errors.New("session is not authorized")}
				ready <- err
				return err
			}
			if status.User != nil && c.account == "" && status.User.Username != "" {
				c.account = "@" + status.User.Username
			}
			c.api = client.API()
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && runCtx.Err() == nil {
			c.log.Warn().Err(err).Msg("telegram connection ended")
		}
		select {
		case ready <- err:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-c.done
			return nil, withAccount(classify(err, op), cred.Account)
		}
		c.log.Debug().Str("account", c.account).Msg("telegram session authorized")
		return c, nil
	case <-ctx.Done():
		cancel()
		<-c.done
		return nil, ctx.Err()
	}
}

type conn struct {
	client  *telegram.Client
	api     *tg.Client
	account string
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	log     zerolog.Logger

	mu    sync.Mutex
	peers map[string]tg.InputPeerClass
}

func (c *conn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}

func (c *conn) resolve(ctx context.Context, chat string) (tg.InputPeerClass, error) {
	chat = strings.TrimSpace(chat)
	switch strings.ToLower(chat) {
	case "", "me", "self":
		return &tg.InputPeerSelf{}, nil
	}

	c.mu.Lock()
	p, ok := c.peers[chat]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	resolver := peer.DefaultResolver(c.api)
	var err error
	if strings.HasPrefix(chat, "+") {
		p, err = resolver.ResolvePhone(ctx, chat)
	} else {
		p, err = resolver.ResolveDomain(ctx, strings.TrimPrefix(chat, "@"))
	}
	if err != nil {
		return nil, errors.Wrapf(withAccount(classify(err, "telegram.resolve"), c.account), "resolving chat %q", chat)
	}

	c.mu.Lock()
	c.peers[chat] = p
	c.mu.Unlock()
	return p, nil
}

func (c *conn) history(ctx context.Context, chat string, req *tg.MessagesGetHistoryRequest) ([]tg.MessageClass, error) {
	p, err := c.resolve(ctx, chat)
	if err != nil {
		return nil, err
	}
	req.Peer = p
	res, err := c.api.MessagesGetHistory(ctx, req)
	if err != nil {
		return nil, withAccount(classify(err, "telegram.history"), c.account)
	}
	switch m := res.(type) {
	case *tg.MessagesMessages:
		return m.Messages, nil
	case *tg.MessagesMessagesSlice:
		return m.Messages, nil
	case *tg.MessagesChannelMessages:
		return m.Messages, nil
	default:
		return nil, nil
	}
}

func (c *conn) History(ctx context.Context, chat string, limit int) ([]message.Message, error) {
	raw, err := c.history(ctx, chat, &tg.MessagesGetHistoryRequest{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]message.Message, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, convert(m))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (c *conn) Download(ctx context.Context, chat string, id int, w io.Writer) error {
	// Re-reading the message also refreshes the file reference.
	raw, err := c.history(ctx, chat, &tg.MessagesGetHistoryRequest{OffsetID: id + 1, Limit: 1})
	if err != nil {
		return err
	}
	var doc *tg.Document
	for _, r := range raw {
		if m, ok := r.(*tg.Message); ok && m.ID == id {
			doc = document(m)
		}
	}
	if doc == nil {
		return &failure.Error{Kind: failure.NoMediaFound, Op: "telegram.download",
			Err: errors.Errorf("message %d has no downloadable media", id)}
	}
	loc := &tg.InputDocumentFileLocation{
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
	}
	if _, err := downloader.NewDownloader().Download(c.api, loc).Stream(ctx, w); err != nil {
		return withAccount(classify(err, "telegram.download"), c.account)
	}
	return nil
}

func (c *conn) Send(ctx context.Context, chat, text string) error {
	p, err := c.resolve(ctx, chat)
	if err != nil {
		return err
	}
	if _, err := tgmessage.NewSender(c.api).To(p).Text(ctx, text); err != nil {
		return withAccount(classify(err, "telegram.send"), c.account)
	}
	return nil
}

func document(m *tg.Message) *tg.Document {
	media, ok := m.GetMedia()
	if !ok {
		return nil
	}
	md, ok := media.(*tg.MessageMediaDocument)
	if !ok {
		return nil
	}
	dc, ok := md.GetDocument()
	if !ok {
		return nil
	}
	doc, ok := dc.AsNotEmpty()
	if !ok {
		return nil
	}
	return doc
}

func convert(m *tg.Message) message.Message {
	out := message.Message{ID: m.ID, Date: time.Unix(int64(m.Date), 0).UTC()}
	doc := document(m)
	if doc == nil {
		return out
	}
	media := &message.Media{MimeType: doc.MimeType, Size: doc.Size}
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeVideo:
			media.Video = true
		case *tg.DocumentAttributeFilename:
			media.FileName = a.FileName
		}
	}
	out.Media = media
	return out
}
