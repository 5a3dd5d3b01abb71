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

// Package secretbox encrypts Telegram session strings at rest.
//
// Ciphertexts are AES-256-GCM with a 12 byte nonce, encoded as
// base64(nonce) "." base64(tag) "." base64(data), the format the
// session records were originally written in.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	ErrNoKey      = errors.New("secretbox: encryption key is not set")
	ErrBadKey     = errors.New("secretbox: key must be 32 bytes hex (64 hex chars)")
	ErrBadPayload = errors.New("secretbox: invalid encrypted payload format")
)

// Box encrypts and decrypts with one key.
type Box struct {
	aead cipher.AEAD
}

// New parses a hex encoded 32 byte key.
func New(hexKey string) (*Box, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, ErrNoKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != keySize {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "secretbox: cipher")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, errors.Wrap(err, "secretbox: gcm")
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if b == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "secretbox: nonce")
	}
	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	data, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(data),
	}, "."), nil
}

// Decrypt opens a payload produced by Encrypt.
func (b *Box) Decrypt(payload string) (string, error) {
	if b == nil {
		return "", ErrNoKey
	}
	parts := strings.Split(payload, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", ErrBadPayload
	}
	var raw [3][]byte
	for i, p := range parts {
		v, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return "", errors.Wrap(ErrBadPayload, err.Error())
		}
		raw[i] = v
	}
	nonce, tag, data := raw[0], raw[1], raw[2]
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return "", ErrBadPayload
	}
	plain, err := b.aead.Open(nil, nonce, append(data, tag...), nil)
	if err != nil {
		return "", errors.Wrap(err, "secretbox: decrypt")
	}
	return string(plain), nil
}
