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
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRoundTripRedacts(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Set-Cookie", "sid=abc")
		io.WriteString(w, `{"id":"f1"}`)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	client := &http.Client{Transport: Wrap(nil, zerolog.New(&buf).Level(zerolog.DebugLevel))}
	req, err := http.NewRequest("POST", srv.URL+"/files", strings.NewReader("payload"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer ya29.secret")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if gotAuth != "Bearer ya29.secret" {
		t.Errorf("server saw Authorization %q, want the real token", gotAuth)
	}
	if string(body) != `{"id":"f1"}` {
		t.Errorf("body = %q after tracing", body)
	}
	if resp.Header.Get("Set-Cookie") != "sid=abc" {
		t.Errorf("response header altered: %v", resp.Header)
	}
	logged := buf.String()
	for _, secret := range []string{"ya29.secret", "sid=abc"} {
		if strings.Contains(logged, secret) {
			t.Errorf("trace log contains %q:\n%s", secret, logged)
		}
	}
	if !strings.Contains(logged, "http response") || !strings.Contains(logged, `f1`) {
		t.Errorf("trace log missing the response dump:\n%s", logged)
	}
}
