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

// Package spool manages the directory downloaded media is written to
// before it is delivered.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	dirFileMode  = 0700
	fileFileMode = 0600
)

type Dir struct {
	path string
	now  func() time.Time
}

// New creates the spool directory if needed.  An empty path selects a
// "clipsync" directory below the system temporary directory.
func New(path string) (*Dir, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "clipsync")
	}
	if err := os.MkdirAll(path, dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "creating spool directory %q", path)
	}
	return &Dir{path: path, now: time.Now}, nil
}

func (d *Dir) Path() string { return d.path }

// TempPath returns a fresh, unused path with the given extension.  The
// name is "<unix millis>_<8 hex chars><ext>".
func (d *Dir) TempPath(ext string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filepath.Join(d.path, fmt.Sprintf("%d_%s%s", d.now().UnixMilli(), id, SafeExt(ext)))
}

// WriteFile writes data to a file readable only by the current user.
func WriteFile(name string, data []byte) error {
	return os.WriteFile(name, data, fileFileMode)
}

// SafeExt returns ext when it is a short, portable file extension, or
// "" otherwise.
func SafeExt(ext string) string {
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") || len(ext) > 10 {
		return ""
	}
	for i := 1; i < len(ext); i++ {
		if !portable(ext[i]) {
			return ""
		}
	}
	return strings.ToLower(ext)
}

// SafeName returns s reduced to the portable filename character set.
// Runs of other bytes collapse into a single underscore; leading and
// trailing underscores are dropped.
//
// See The Open Group Base Specifications Issue 7, 3.282 Portable
// Filename Character Set.
func SafeName(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	pending := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if portable(c) || c == '-' || c == '.' {
			if pending && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			pending = false
			sb.WriteByte(c)
			continue
		}
		pending = true
	}
	return strings.Trim(sb.String(), "_.")
}

func portable(c byte) bool {
	return 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '_'
}
