package message

import (
	"os"
	"time"
)

// This file provides the common data objects used by the rest of the
// program.

// Media describes the attachment of a chat message.
type Media struct {
	// True when the attachment carries a video attribute.
	Video bool

	MimeType string

	// The file name attribute of a document.  May be empty.
	FileName string

	// Declared size in bytes.
	Size int64
}

// Message is a chat message as seen by the download engine.
type Message struct {
	// Chat-local message id.  Ids grow monotonically within a chat.
	ID int

	Date time.Time

	// Nil for messages without an attachment.
	Media *Media
}

// Pending is a downloaded media file waiting to be delivered.  The
// file at Path belongs to whoever holds the Pending and must be removed
// on every exit path.
type Pending struct {
	Path     string
	FileName string
	MimeType string
	Size     int64

	// The id of the message the file was downloaded from.
	ItemID int
}

// Remove deletes the temporary file.  Removing an already removed file
// is not an error.
func (p *Pending) Remove() error {
	if p == nil || p.Path == "" {
		return nil
	}
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Folder is a validated destination folder.
type Folder struct {
	ID   string
	Name string
}

// RemoteFile is a file stored at the storage provider.
type RemoteFile struct {
	ID        string
	Name      string
	ViewLink  string
	CreatedAt time.Time
}

// Delivery is the outcome of a successful upload.
type Delivery struct {
	// The storage provider's id of the file.  This is the delivery
	// reference recorded in the ledger.
	ExternalID string
	Name       string
	ViewLink   string
	Folder     string

	// The identity the upload ran as.
	Account string

	// The name of the strategy that delivered the file.
	Strategy string

	// True when an existing file with the same name was returned
	// instead of uploading a new one.
	Reused bool
}

// Status values shared by integration records and Telegram sessions.
const (
	StatusNotConnected = "not_connected"
	StatusActive       = "active"
	StatusError        = "error"
)

// ProviderGoogleDrive names the only delivery provider.
const ProviderGoogleDrive = "google_drive"

// Integration is a user's OAuth grant for a delivery provider.
type Integration struct {
	UserID       string
	Provider     string
	AccountEmail string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Status       string

	// The scope set the grant was made under.  Lower than the current
	// scope version means the user must reconnect.
	ScopeVersion int
	LastError    string
	UpdatedAt    time.Time
}

// LegacyTokens is the deprecated per-user token pair kept for users who
// connected before integration records existed.
type LegacyTokens struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	UpdatedAt    time.Time
}

// ProcessedItem records that an item of a channel has been delivered.
type ProcessedItem struct {
	ChannelID   string
	ItemID      int
	DeliveryRef string
	ProcessedAt time.Time
}

// Transports a channel may use to reach Telegram.
const (
	TransportUser   = "telegram_user"
	TransportGlobal = "telegram_global"
)

// Channel is a configured generation channel.
type Channel struct {
	ID     string
	UserID string
	Name   string

	// The chat the generator posts to: a username, "@username", or
	// "me" for the user's saved messages.
	Chat string

	// The destination folder id or folder URL.
	FolderID string

	Transport       string
	PollingEnabled  bool
	AlwaysReprocess bool
	LastCheckedAt   time.Time
}

// TelegramSession is a user's stored, encrypted Telegram session.
type TelegramSession struct {
	UserID     string
	Ciphertext string
	Status     string
	Account    string
	LastError  string
	UpdatedAt  time.Time
}
