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
	"sync"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL            = 5 * time.Minute
	DefaultConnectTimeout = 30 * time.Second
	DefaultSweepInterval  = time.Minute
)

var errPoolClosed = errors.New("telegram pool closed")

type entry struct {
	sess     *Session
	lastUsed time.Time

	// Calls currently running on the session.  Busy entries are never
	// swept.
	busy int
}

func (e *entry) idle(now time.Time, ttl time.Duration) bool {
	return e.busy == 0 && now.Sub(e.lastUsed) > ttl
}

// Pool caches at most one live session per user.
type Pool struct {
	dialer Dialer
	creds  CredentialSource
	clock  clock.Clock
	log    zerolog.Logger

	TTL            time.Duration
	ConnectTimeout time.Duration
	SweepInterval  time.Duration

	dials singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewPool(dialer Dialer, creds CredentialSource, clk clock.Clock, log zerolog.Logger) *Pool {
	return &Pool{
		dialer:         dialer,
		creds:          creds,
		clock:          clk,
		log:            log.With().Str("component", "telegram.pool").Logger(),
		TTL:            DefaultTTL,
		ConnectTimeout: DefaultConnectTimeout,
		SweepInterval:  DefaultSweepInterval,
		entries:        make(map[string]*entry),
	}
}

// Acquire returns the user's live session, connecting if there is
// none.  Concurrent calls for the same user share one connection
// attempt.  Failures are classified as AuthExpired or ConnectTimeout and
// leave nothing cached.
func (p *Pool) Acquire(ctx context.Context, userID string) (*Session, error) {
	if s := p.cached(userID); s != nil {
		return s, nil
	}
	v, err, _ := p.dials.Do(userID, func() (interface{}, error) {
		if s := p.cached(userID); s != nil {
			return s, nil
		}
		conn, err := p.connect(ctx, userID)
		if err != nil {
			return nil, err
		}
		s := &Session{Conn: conn, UserID: userID, pool: p}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.disconnect(s, "pool closed")
			return nil, errPoolClosed
		}
		p.entries[userID] = &entry{sess: s, lastUsed: p.clock.Now()}
		p.mu.Unlock()

		p.log.Info().Str("user", userID).Msg("telegram session connected")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// cached returns a usable cached session and refreshes its last use.
// Dead or expired entries are evicted.
func (p *Pool) cached(userID string) *Session {
	p.mu.Lock()
	e, ok := p.entries[userID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	now := p.clock.Now()
	if e.sess.Alive() && !e.idle(now, p.TTL) {
		e.lastUsed = now
		p.mu.Unlock()
		return e.sess
	}
	delete(p.entries, userID)
	p.mu.Unlock()

	p.disconnect(e.sess, "stale")
	return nil
}

type dialResult struct {
	conn Conn
	err  error
}

func (p *Pool) connect(ctx context.Context, userID string) (Conn, error) {
	cred, err := p.creds.Credential(ctx, userID)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan dialResult, 1)
	go func() {
		conn, err := p.dialer.Dial(dialCtx, cred)
		done <- dialResult{conn, err}
	}()

	abandon := func() {
		cancel()
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	select {
	case r := <-done:
		if r.err != nil {
			err := classify(r.err, "telegram.dial")
			// Network failures while dialing are transient.
			if failure.KindOf(err) == failure.Unknown {
				err = &failure.Error{Kind: failure.ConnectTimeout, Op: "telegram.dial", Err: r.err}
			}
			return nil, withAccount(err, cred.Account)
		}
		return r.conn, nil
	case <-p.clock.After(p.ConnectTimeout):
		abandon()
		return nil, failure.New(failure.ConnectTimeout, "telegram.dial")
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// entryOf returns the cache entry still holding s.  Callers hold p.mu.
func (p *Pool) entryOf(s *Session) *entry {
	if e, ok := p.entries[s.UserID]; ok && e.sess == s {
		return e
	}
	return nil
}

func (p *Pool) begin(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entryOf(s); e != nil {
		e.busy++
	}
}

func (p *Pool) end(s *Session, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryOf(s)
	if e == nil {
		return
	}
	if e.busy > 0 {
		e.busy--
	}
	if ok {
		e.lastUsed = p.clock.Now()
	}
}

// withAccount names account on an AuthExpired err that carries no
// account yet.
func withAccount(err error, account string) error {
	if account == "" || !failure.Is(err, failure.AuthExpired) || failure.AccountOf(err) != "" {
		return err
	}
	return &failure.Error{Kind: failure.AuthExpired, Op: "telegram.session", Account: account, Err: err}
}

// Release evicts and disconnects the user's session, if any.
func (p *Pool) Release(userID string) {
	p.mu.Lock()
	e, ok := p.entries[userID]
	delete(p.entries, userID)
	p.mu.Unlock()
	if ok {
		p.disconnect(e.sess, "released")
	}
}

// Sweep evicts sessions idle longer than the TTL or no longer alive.
func (p *Pool) Sweep() {
	now := p.clock.Now()
	var stale []*Session
	p.mu.Lock()
	for id, e := range p.entries {
		if e.idle(now, p.TTL) || (e.busy == 0 && !e.sess.Alive()) {
			stale = append(stale, e.sess)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()
	for _, s := range stale {
		p.disconnect(s, "idle")
	}
}

// Run sweeps periodically until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.SweepInterval):
			p.Sweep()
		}
	}
}

// Len returns the number of cached sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close disconnects every session.  Acquire fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var err error
	for _, e := range entries {
		err = multierr.Append(err, e.sess.Conn.Close())
	}
	return err
}

// disconnect is best effort; failures are only logged.
func (p *Pool) disconnect(s *Session, reason string) {
	if err := s.Conn.Close(); err != nil {
		p.log.Warn().Err(err).Str("user", s.UserID).Str("reason", reason).Msg("telegram disconnect failed")
		return
	}
	p.log.Debug().Str("user", s.UserID).Str("reason", reason).Msg("telegram session evicted")
}
