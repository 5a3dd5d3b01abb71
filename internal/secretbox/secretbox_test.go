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

package secretbox

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestRoundTrip(t *testing.T) {
	b, err := New(testKey)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	const plain = "1BAAOMTQ5LjE1NC4xNjcuOTEAUA=="
	sealed, err := b.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt() = %v", err)
	}
	if n := strings.Count(sealed, "."); n != 2 {
		t.Errorf("Encrypt() = %q has %d separators, want 2", sealed, n)
	}
	got, err := b.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() = %v", err)
	}
	if got != plain {
		t.Errorf("Decrypt(Encrypt(%q)) = %q", plain, got)
	}
}

func TestNewRejectsKeys(t *testing.T) {
	cases := []struct {
		key  string
		want error
	}{
		{"", ErrNoKey},
		{"zz", ErrBadKey},
		{"0001", ErrBadKey},
	}
	for _, tc := range cases {
		if _, err := New(tc.key); err != tc.want {
			t.Errorf("New(%q) = %v, want %v", tc.key, err, tc.want)
		}
	}
}

func TestDecryptRejectsPayloads(t *testing.T) {
	b, err := New(testKey)
	if err != nil {
		t.Fatal(err)
	}
	for _, payload := range []string{"", "a.b", "a..c", "!!.!!.!!"} {
		if _, err := b.Decrypt(payload); errors.Cause(err) != ErrBadPayload {
			t.Errorf("Decrypt(%q) = %v, want %v", payload, err, ErrBadPayload)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a, _ := New(testKey)
	b, _ := New(strings.Repeat("ff", 32))
	sealed, err := a.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(sealed); err == nil {
		t.Error("Decrypt() with the wrong key succeeded")
	}
}

func TestNilBox(t *testing.T) {
	var b *Box
	if _, err := b.Decrypt("a.b.c"); err != ErrNoKey {
		t.Errorf("(*Box)(nil).Decrypt() = %v, want %v", err, ErrNoKey)
	}
}
