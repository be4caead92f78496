package model

import "time"

// SessionStatus describes the lifecycle state of one account's mailbox
// listener. Every transition is published as a status-changed event.
type SessionStatus string

const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusConnecting   SessionStatus = "connecting"
	StatusListening    SessionStatus = "listening"
	StatusPolling      SessionStatus = "polling"
	StatusReconnecting SessionStatus = "reconnecting"
	StatusError        SessionStatus = "error"
	StatusStopped      SessionStatus = "stopped"
)

// Terminal reports whether the status ends the supervisor instance.
// A fresh Start creates a new supervisor; error and stopped never
// transition further.
func (s SessionStatus) Terminal() bool {
	return s == StatusError || s == StatusStopped
}

// Account holds the connection settings for one external mailbox.
// The password is not part of the record; it lives in the system
// keyring under the account id.
type Account struct {
	ID        string
	Email     string
	Provider  string
	IMAPHost  string
	IMAPPort  int
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one ingested mail message. (AccountID, UID) is unique;
// the UID is server-assigned and never reused within a mailbox.
type Message struct {
	ID          string
	AccountID   string
	UID         uint32
	Subject     string
	Sender      string
	SenderEmail string
	Recipients  string
	Date        string
	Body        string
	BodyHTML    string
	IsRead      bool
	Folder      string
	FetchedAt   time.Time

	// Attachments is populated on detail reads and on the ingest path;
	// list queries leave it nil.
	Attachments []Attachment
}

// Attachment is a downloadable file belonging to exactly one message.
// It is created at parse time of a successfully inserted message and
// never mutated afterwards.
type Attachment struct {
	ID          string
	MessageID   string
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
}
