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

// Package httpapi exposes the scheduler trigger and on-demand jobs
// over HTTP.
package httpapi

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hotwellkz/p065-sub001/internal/failure"
	"github.com/hotwellkz/p065-sub001/internal/message"
	"github.com/hotwellkz/p065-sub001/internal/pipeline"
	"github.com/hotwellkz/p065-sub001/internal/poll"
	"github.com/rs/zerolog"
)

// SecretHeader carries the shared trigger secret.
const SecretHeader = "X-Cron-Secret"

const maxBodyBytes = 64 << 10

type Ticker interface {
	Tick(ctx context.Context) (poll.Stats, error)
}

type JobRunner interface {
	RunJob(ctx context.Context, job pipeline.Job) (*pipeline.Result, error)
}

type Server struct {
	ticker Ticker
	jobs   JobRunner
	secret string
	log    zerolog.Logger
	mux    *http.ServeMux
}

// New returns the API handler.  An empty secret makes every protected
// endpoint fail with 500 until one is configured.
func New(ticker Ticker, jobs JobRunner, secret string, log zerolog.Logger) *Server {
	s := &Server{
		ticker: ticker,
		jobs:   jobs,
		secret: secret,
		log:    log.With().Str("component", "httpapi").Logger(),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /v1/poll/tick", s.handleTick)
	s.mux.HandleFunc("POST /v1/jobs", s.handleJob)
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("elapsed", time.Since(start)).
		Msg("request")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// authorize checks the trigger secret in constant time.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.secret == "" {
		s.log.Error().Str("path", r.URL.Path).Msg("trigger secret is not configured")
		writeError(w, http.StatusInternalServerError, "not_configured", "trigger secret is not configured", correlationID)
		return false
	}
	if !hmac.Equal([]byte(r.Header.Get(SecretHeader)), []byte(s.secret)) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid trigger secret", correlationID)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	if !s.authorize(w, r, correlationID) {
		return
	}
	stats, err := s.ticker.Tick(r.Context())
	if err != nil {
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("poll tick failed")
		writeError(w, http.StatusInternalServerError, "tick_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stats": stats})
}

type jobRequest struct {
	UserID      string `json:"userId"`
	ChannelID   string `json:"channelId"`
	AfterItemID int    `json:"afterItemId"`
}

type deliveryView struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	ViewLink string `json:"viewLink,omitempty"`
	Folder   string `json:"folder"`
	Account  string `json:"account,omitempty"`
	Strategy string `json:"strategy"`
	Reused   bool   `json:"reused"`
}

func viewOf(d *message.Delivery) *deliveryView {
	if d == nil {
		return nil
	}
	return &deliveryView{
		FileID:   d.ExternalID,
		Name:     d.Name,
		ViewLink: d.ViewLink,
		Folder:   d.Folder,
		Account:  d.Account,
		Strategy: d.Strategy,
		Reused:   d.Reused,
	}
}

type jobResponse struct {
	OK          bool          `json:"ok"`
	Outcome     string        `json:"outcome"`
	ItemID      int           `json:"itemId"`
	DeliveryRef string        `json:"deliveryRef"`
	Delivery    *deliveryView `json:"delivery,omitempty"`
}

func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.NoMediaFound:
		return http.StatusNotFound
	case failure.TooLarge:
		return http.StatusRequestEntityTooLarge
	case failure.NotConfigured, failure.AuthExpired, failure.FolderNotFound,
		failure.PermissionDenied, failure.NoUsableDestination:
		return http.StatusUnprocessableEntity
	}
	if failure.Retryable(kind) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	if !s.authorize(w, r, correlationID) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body", correlationID)
		return
	}
	var req jobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if req.UserID == "" || req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId and channelId are required", correlationID)
		return
	}

	res, err := s.jobs.RunJob(r.Context(), pipeline.Job{
		UserID:      req.UserID,
		ChannelID:   req.ChannelID,
		AfterItemID: req.AfterItemID,
	})
	if err != nil {
		kind := failure.KindOf(err)
		s.log.Warn().Err(err).Str("correlation_id", correlationID).Stringer("kind", kind).Msg("job failed")
		writeError(w, statusFor(kind), kind.String(), failure.UserMessage(err), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		OK:          true,
		Outcome:     res.Outcome.String(),
		ItemID:      res.ItemID,
		DeliveryRef: res.DeliveryRef,
		Delivery:    viewOf(res.Delivery),
	})
}
