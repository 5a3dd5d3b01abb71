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

package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"github.com/rs/zerolog"
)

var redacted = []string{"Authorization", "Cookie", "Set-Cookie", "X-Cron-Secret"}

// traceTransport is an http.RoundTripper that logs the request and
// response at debug level while delegating the real work to another
// http.RoundTripper.  Request bodies are not logged; uploads are
// videos.
type traceTransport struct {
	delegate http.RoundTripper
	log      zerolog.Logger
}

func redact(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range redacted {
		if out.Get(k) != "" {
			out.Set(k, "REDACTED")
		}
	}
	return out
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	shown := req.Clone(req.Context())
	shown.Header = redact(req.Header)
	shown.Body = nil
	shown.ContentLength = 0
	if dump, err := httputil.DumpRequestOut(shown, false); err == nil {
		t.log.Debug().Str("dump", string(dump)).Msg("http request")
	}
	resp, err := t.delegate.RoundTrip(req)
	if err != nil {
		t.log.Debug().Err(err).Str("url", req.URL.String()).Msg("http request failed")
		return resp, err
	}
	header := resp.Header
	resp.Header = redact(header)
	dump, dumpErr := httputil.DumpResponse(resp, true)
	resp.Header = header
	if dumpErr == nil {
		t.log.Debug().Str("dump", string(dump)).Msg("http response")
	}
	return resp, nil
}

// Wrap returns d with tracing.  A nil d means http.DefaultTransport.
func Wrap(d http.RoundTripper, log zerolog.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, log: log.With().Str("component", "tracehttp").Logger()}
}

// WrapDefaultTransport injects tracing into http.DefaultTransport.
func WrapDefaultTransport(log zerolog.Logger) {
	http.DefaultTransport = Wrap(http.DefaultTransport, log)
}
