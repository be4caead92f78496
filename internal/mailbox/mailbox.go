// Package mailbox keeps external IMAP mailboxes synchronized into the
// local store in near real time. Each account gets a supervised session
// holding two connections: a watch connection that waits for new mail
// (IDLE when the server supports it, polling otherwise) and an operate
// connection for flag changes. A coordinator manages the sessions of
// all accounts and fans lifecycle and new-message events out through
// the event hub.
package mailbox

import (
	"context"
	"time"
)

// Dialer opens authenticated connections to one account's IMAP server.
// Implementations must return an *AuthError when the server rejects the
// credentials, so the supervisor can stop retrying.
type Dialer interface {
	DialWatch(ctx context.Context) (WatchConn, error)
	DialOperate(ctx context.Context) (OperateConn, error)
}

// WatchConn is the read-side connection a session watches for new mail.
type WatchConn interface {
	// SelectInbox selects INBOX read-only and returns its UIDNEXT value.
	SelectInbox() (uidNext uint32, err error)

	// SupportsIdle reports whether the server advertises IDLE.
	SupportsIdle() bool

	// Idle waits for new mail, returning early when the cycle deadline
	// passes or ctx is done. newMail reports whether the server signaled
	// an arrival before the wait ended.
	Idle(ctx context.Context, cycle time.Duration) (newMail bool, err error)

	// SearchSince returns the UIDs strictly greater than cursor, in
	// ascending order.
	SearchSince(cursor uint32) ([]uint32, error)

	// FetchRaw returns the complete raw message for uid without setting
	// the seen flag.
	FetchRaw(uid uint32) ([]byte, error)

	Close() error
}

// OperateConn is the write-side connection used for flag operations.
type OperateConn interface {
	// Noop probes connection liveness.
	Noop() error

	// MarkSeen adds the seen flag to the message with the given UID.
	MarkSeen(uid uint32) error

	Close() error
}

// Credentials resolves stored secrets by key.
type Credentials interface {
	Get(key string) (string, error)
}

// CredentialFunc adapts a lookup function to the Credentials interface.
type CredentialFunc func(key string) (string, error)

func (f CredentialFunc) Get(key string) (string, error) { return f(key) }
