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

// The clipsync command watches Telegram channels for generated videos
// and delivers them to Google Drive.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/clock"
	"github.com/hotwellkz/p065-sub001/internal/config"
	"github.com/hotwellkz/p065-sub001/internal/delivery"
	"github.com/hotwellkz/p065-sub001/internal/download"
	"github.com/hotwellkz/p065-sub001/internal/drive"
	"github.com/hotwellkz/p065-sub001/internal/httpapi"
	"github.com/hotwellkz/p065-sub001/internal/ledger"
	"github.com/hotwellkz/p065-sub001/internal/logging"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/hotwellkz/p065-sub001/internal/notify"
	"github.com/hotwellkz/p065-sub001/internal/persist"
	"github.com/hotwellkz/p065-sub001/internal/pipeline"
	"github.com/hotwellkz/p065-sub001/internal/poll"
	"github.com/hotwellkz/p065-sub001/internal/secretbox"
	"github.com/hotwellkz/p065-sub001/internal/spool"
	"github.com/hotwellkz/p065-sub001/internal/telegram"
	"github.com/hotwellkz/p065-sub001/internal/tracehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// app holds everything a command needs.  Fields are filled by setup.
type app struct {
	cfg *config.Config
	log zerolog.Logger
	db  *persist.DB
	box *secretbox.Box

	pool      *telegram.Pool
	ledger    *ledger.Ledger
	runner    *pipeline.Runner
	scheduler *poll.Scheduler
}

func setup(c *cli.Context) (*app, error) {
	path := c.String("config")
	cfg, err := config.Load(path, c.IsSet("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return nil, err
	}
	if c.Bool("trace") {
		tracehttp.WrapDefaultTransport(logger)
	}

	a := &app{cfg: cfg, log: logger}
	if cfg.Telegram.SessionSecret != "" {
		if a.box, err = secretbox.New(cfg.Telegram.SessionSecret); err != nil {
			return nil, errors.Wrap(err, "telegram.session_secret")
		}
	}
	a.db, err = persist.Open(c.Context, cfg.Database.DSN, logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}
	return a, nil
}

// wire builds the processing graph on top of the database.
func (a *app) wire() error {
	cfg := a.cfg
	if err := cfg.RequireTelegram(); err != nil {
		return err
	}
	clk := clock.Real()

	dialer := &telegram.MTProtoDialer{
		AppID:   cfg.Telegram.APIID,
		AppHash: cfg.Telegram.APIHash,
		Log:     a.log,
	}
	a.pool = telegram.NewPool(dialer, telegram.NewStoredCredentials(a.db, a.box, cfg.Telegram.GlobalSession), clk, a.log)
	a.pool.TTL = cfg.Telegram.SessionTTL
	a.pool.ConnectTimeout = cfg.Telegram.ConnectTimeout

	dir, err := spool.New(cfg.Spool.Dir)
	if err != nil {
		return err
	}
	dl := download.New(dir, clk, a.log)
	dl.ListTimeout = cfg.Download.ListTimeout
	dl.DownloadTimeout = cfg.Download.DownloadTimeout
	dl.MinSize = cfg.Download.MinSize
	dl.MaxSize = cfg.Download.MaxSize

	keyJSON, err := cfg.Google.ServiceAccountJSON()
	if err != nil {
		return err
	}
	conn := &delivery.DriveConnector{
		Limiter: drive.NewLimiter(),
		Clock:   clk,
		Log:     a.log,
		Base:    http.DefaultTransport,
	}
	refresher := &delivery.OAuthRefresher{
		Config: drive.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL),
	}
	engine := delivery.New(clk, a.log,
		&delivery.Managed{Store: a.db, Refresher: refresher, Connector: conn, Clock: clk, Log: a.log},
		&delivery.Legacy{Store: a.db, Refresher: refresher, Connector: conn, Clock: clk},
		&delivery.Shared{
			Account: drive.ServiceAccount{
				Email:      cfg.Google.ServiceAccountEmail,
				PrivateKey: cfg.Google.ServiceAccountKey,
				KeyJSON:    keyJSON,
			},
			DefaultFolder: cfg.Google.DefaultFolder,
			Connector:     conn,
			Log:           a.log,
		},
	)

	a.ledger = ledger.New(a.db, clk, a.log)
	a.runner = pipeline.New(pipeline.Deps{
		Channels:      a.db,
		Sessions:      a.pool,
		Download:      dl,
		Delivery:      engine,
		Ledger:        a.ledger,
		Notifier:      notify.New(a.pool, a.log),
		SessionStatus: a.db,
		Log:           a.log,
		Clock:         clk,
	})
	a.scheduler = poll.New(a.db, a.runner, clk, a.log)
	a.scheduler.Concurrency = cfg.Poll.Concurrency
	return nil
}

func (a *app) close() error {
	var err error
	if a.pool != nil {
		err = multierr.Append(err, a.pool.Close())
	}
	return multierr.Append(err, a.db.Close())
}

// withApp runs fn with a fully wired app and closes it afterwards.
func withApp(fn func(c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		a, err := setup(c)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, a.close())
		}()
		if err := a.wire(); err != nil {
			return err
		}
		return fn(c, a)
	}
}

// withDB runs fn with only the database opened.
func withDB(fn func(c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		a, err := setup(c)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, a.close())
		}()
		return fn(c, a)
	}
}

func serve(c *cli.Context, a *app) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.HTTP.CronSecret == "" {
		a.log.Warn().Msg("no trigger secret configured; /v1 endpoints will refuse every request")
	}
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           httpapi.New(a.scheduler, a.runner, a.cfg.HTTP.CronSecret, a.log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Wrap(srv.Shutdown(sctx), "http shutdown")
	})
	grp.Go(func() error {
		return ignoreCanceled(a.pool.Run(gctx))
	})
	grp.Go(func() error {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				a.ledger.Sweep()
			}
		}
	})
	if interval := a.cfg.Poll.Interval; interval > 0 {
		grp.Go(func() error {
			return ignoreCanceled(a.scheduler.Run(gctx, interval))
		})
	} else {
		a.log.Info().Msg("poll loop disabled; waiting for HTTP triggers")
	}
	return grp.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tick(c *cli.Context, a *app) error {
	stats, err := a.scheduler.Tick(c.Context)
	if err != nil {
		return errors.Wrap(err, "unable to poll")
	}
	return printJSON(stats)
}

func deliver(c *cli.Context, a *app) error {
	res, err := a.runner.RunJob(c.Context, pipeline.Job{
		UserID:      c.String("user"),
		ChannelID:   c.String("channel"),
		AfterItemID: c.Int("after"),
	})
	if err != nil {
		return errors.Wrap(err, "unable to deliver")
	}
	fmt.Printf("%s item %d as %s\n", res.Outcome, res.ItemID, res.DeliveryRef)
	if d := res.Delivery; d != nil && d.ViewLink != "" {
		fmt.Println(d.ViewLink)
	}
	return nil
}

func setPaused(paused bool) func(c *cli.Context, a *app) error {
	return func(c *cli.Context, a *app) error {
		return a.db.SetPaused(c.Context, c.String("user"), paused)
	}
}

// importSession seals a session string read from stdin and stores it
// for the user.
func importSession(c *cli.Context, a *app) error {
	if a.box == nil {
		return errors.New("telegram.session_secret (TELEGRAM_SESSION_SECRET) is not set")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return errors.Wrap(err, "reading session string from stdin")
	}
	plain := strings.TrimSpace(line)
	if plain == "" {
		return errors.New("empty session string")
	}
	sealed, err := a.box.Encrypt(plain)
	if err != nil {
		return err
	}
	return a.db.SaveTelegramSession(c.Context, &message.TelegramSession{
		UserID:     c.String("user"),
		Ciphertext: sealed,
		Status:     message.StatusActive,
		Account:    c.String("account"),
	})
}

func newApp() *cli.App {
	userFlag := &cli.StringFlag{Name: "user", Usage: "owning user id", Required: true}
	return &cli.App{
		Name:  "clipsync",
		Usage: "deliver generated Telegram videos to Google Drive",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML configuration file",
				Value:   config.DefaultPath(),
				EnvVars: []string{"CLIPSYNC_CONFIG"},
			},
			&cli.BoolFlag{Name: "trace", Aliases: []string{"T"}, Usage: "request debug tracing"},
			&cli.StringFlag{Name: "log-level", Usage: "override log.level"},
		},
		Before: func(c *cli.Context) error {
			return config.LoadDotEnv(".env")
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP trigger, the poll loop and the session sweeper",
				Action: withApp(serve),
			},
			{
				Name:   "tick",
				Usage:  "poll every channel once and print the counters",
				Action: withApp(tick),
			},
			{
				Name:  "deliver",
				Usage: "deliver the newest video of one channel",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "channel", Usage: "channel id", Required: true},
					&cli.IntFlag{Name: "after", Usage: "only consider messages after this message id"},
				},
				Action: withApp(deliver),
			},
			{
				Name:   "pause",
				Usage:  "stop polling a user's channels",
				Flags:  []cli.Flag{userFlag},
				Action: withDB(setPaused(true)),
			},
			{
				Name:   "resume",
				Usage:  "resume polling a user's channels",
				Flags:  []cli.Flag{userFlag},
				Action: withDB(setPaused(false)),
			},
			{
				Name:  "import-session",
				Usage: "encrypt a Telegram session string from stdin and store it",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "account", Usage: "display name of the Telegram account"},
				},
				Action: withDB(importSession),
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}
