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

// Package failure classifies the errors produced by the acquisition and
// delivery pipeline.  Adapters at the edge of the program (Telegram,
// Drive, the local file system) turn provider errors into an *Error
// carrying a Kind exactly once; everything above them switches on the
// Kind instead of inspecting error strings.
package failure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the class of a pipeline failure.
type Kind int

const (
	Unknown Kind = iota
	// NotConfigured means a delivery strategy or credential does not
	// exist for the user.  Expected, not an incident.
	NotConfigured
	AuthExpired
	ConnectTimeout
	ListTimeout
	DownloadTimeout
	// NoMediaFound means the generated video is not ready yet.
	NoMediaFound
	DownloadIntegrity
	DownloadFailed
	TooLarge
	FolderNotFound
	PermissionDenied
	QuotaExceeded
	NoUsableDestination
)

var kindNames = map[Kind]string{
	Unknown:             "unknown",
	NotConfigured:       "not_configured",
	AuthExpired:         "auth_expired",
	ConnectTimeout:      "connect_timeout",
	ListTimeout:         "list_timeout",
	DownloadTimeout:     "download_timeout",
	NoMediaFound:        "no_media_found",
	DownloadIntegrity:   "download_integrity",
	DownloadFailed:      "download_failed",
	TooLarge:            "too_large",
	FolderNotFound:      "folder_not_found",
	PermissionDenied:    "permission_denied",
	QuotaExceeded:       "quota_exceeded",
	NoUsableDestination: "no_usable_destination",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure.
type Error struct {
	Kind Kind

	// The operation that failed, e.g. "drive.folder" or "telegram.dial".
	Op string

	// The account (email, service account, Telegram user) the
	// operation ran as, when known.
	Account string

	// The destination folder involved, when known.
	Folder string

	// The underlying cause.  May be nil.
	Err error
}

// New returns a classified error without a cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap classifies err.  A nil err yields nil.
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op
	if msg == "" {
		msg = "pipeline"
	}
	msg += ": " + e.Kind.String()
	if e.Account != "" {
		msg += " (account " + e.Account + ")"
	}
	if e.Folder != "" {
		msg += " (folder " + e.Folder + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the outermost *Error in err's chain, or
// Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// AccountOf returns the first account identity found in err's chain.
func AccountOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Account != "" {
			return e.Account
		}
		err = e.Err
	}
	return ""
}

// Retryable reports whether a later attempt may succeed without user
// or operator action.
func Retryable(kind Kind) bool {
	switch kind {
	case ConnectTimeout, ListTimeout, DownloadTimeout, NoMediaFound,
		DownloadIntegrity, DownloadFailed, QuotaExceeded:
		return true
	}
	return false
}

// Remediable reports whether the user can clear the failure, by
// linking an account again or fixing folder access.
func Remediable(kind Kind) bool {
	switch kind {
	case AuthExpired, FolderNotFound, PermissionDenied, NoUsableDestination:
		return true
	}
	return false
}

// UserMessage renders err for the person who owns the channel.  The
// two classes that need manual remediation name the account involved.
func UserMessage(err error) string {
	account := AccountOf(err)
	switch KindOf(err) {
	case AuthExpired:
		if account != "" {
			return fmt.Sprintf("Authorization for %s has expired or was revoked. Please reconnect %s.", account, account)
		}
		return "Authorization has expired or was revoked. Please reconnect your account."
	case PermissionDenied:
		if account != "" {
			return fmt.Sprintf("Access to the destination folder was denied. Share the folder with %s (editor access) and try again.", account)
		}
		return "Access to the destination folder was denied. Check the folder's sharing settings."
	case FolderNotFound:
		return "The destination folder does not exist or is not a folder. Check the folder link in the channel settings."
	case NoUsableDestination:
		if account != "" {
			return fmt.Sprintf("No usable destination folder. Connect Google Drive or share the folder with %s.", account)
		}
		return "No usable destination folder. Connect Google Drive in the settings."
	case NoMediaFound:
		return "The video is not ready yet. It will be picked up on a later check."
	case ConnectTimeout:
		return "Connecting to Telegram timed out. It will be retried later."
	case ListTimeout, DownloadTimeout:
		return "Telegram did not answer in time. It will be retried later."
	case DownloadIntegrity, DownloadFailed:
		return "The video could not be downloaded. It will be retried later."
	case TooLarge:
		return "The video is too large to be delivered."
	case QuotaExceeded:
		return "The storage provider rate limit was reached. It will be retried later."
	case NotConfigured:
		return "The channel is not fully configured."
	}
	return "Delivery failed."
}
