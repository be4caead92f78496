package store

import (
	"context"
	"errors"

	"github.com/nhle/deskmate/internal/model"
)

// ErrNotFound is returned by lookups whose target row does not exist.
var ErrNotFound = errors.New("store: not found")

// Body truncation bounds applied before a message row is written.
const (
	maxBodyChars     = 10_000
	maxBodyHTMLChars = 50_000
)

// MessageFilter controls message list queries.
type MessageFilter struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Gateway is the persistence interface for accounts, messages, and
// attachments. Message insertion is idempotent on (account id, uid):
// a repeat insert is a no-op reported through the returned flag, never
// an error, and never duplicates attachment rows.
type Gateway interface {
	// === Accounts ===

	UpsertAccount(ctx context.Context, acc model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// === Messages ===

	// InsertMessage writes the message and its attachments. It reports
	// whether the message row actually landed; on a dedup hit nothing
	// is written and inserted is false.
	InsertMessage(ctx context.Context, msg model.Message) (inserted bool, err error)

	// MaxUID returns the highest stored UID for the account, or 0 when
	// no messages exist yet.
	MaxUID(ctx context.Context, accountID string) (uint32, error)

	MarkMessageRead(ctx context.Context, accountID string, uid uint32) error
	ListMessages(ctx context.Context, accountID string, f MessageFilter) ([]model.Message, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetAttachment(ctx context.Context, id string) (*model.Attachment, error)
}
