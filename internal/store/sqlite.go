package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/deskmate/internal/model"
)

// SQLiteStore implements the Gateway interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys so account deletion cascades to messages
	// and attachments.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertAccount inserts or replaces an account row.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acc model.Account) error {
	now := time.Now().UTC()
	createdAt := acc.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO email_accounts (
			id, email, provider, imap_host, imap_port, username,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.ID, acc.Email, acc.Provider, acc.IMAPHost, acc.IMAPPort,
		acc.Username, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", acc.ID, err)
	}

	return nil
}

// GetAccount retrieves a single account by its ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM email_accounts WHERE id = ?", id,
	)

	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}

	return &acc, nil
}

// ListAccounts retrieves all configured accounts ordered by address.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM email_accounts ORDER BY email",
	)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}

	return accounts, rows.Err()
}

// DeleteAccount removes an account; its messages and attachments go
// with it via cascade.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM email_accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	return nil
}

// InsertMessage writes a message row keyed on (account_id, uid) with
// INSERT OR IGNORE semantics. Attachment rows are written only when the
// message row actually landed, so a dedup hit cannot duplicate them.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg model.Message) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	folder := msg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	fetchedAt := msg.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO email_messages (
			id, account_id, uid, subject, sender, sender_email,
			recipients, date, body, body_html, is_read, folder, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.AccountID, msg.UID, msg.Subject, msg.Sender,
		msg.SenderEmail, msg.Recipients, msg.Date,
		truncateRunes(msg.Body, maxBodyChars),
		truncateRunes(msg.BodyHTML, maxBodyHTMLChars),
		boolToInt(msg.IsRead), folder, fetchedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message %s/%d: %w", msg.AccountID, msg.UID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking message insert result: %w", err)
	}
	if affected == 0 {
		// Dedup hit: the (account, uid) pair is already stored.
		return false, nil
	}

	for _, att := range msg.Attachments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO email_attachments (id, message_id, filename, content_type, size, data)
			VALUES (?, ?, ?, ?, ?, ?)`,
			att.ID, msg.ID, att.Filename, att.ContentType, att.Size, att.Data,
		)
		if err != nil {
			return false, fmt.Errorf("inserting attachment %s: %w", att.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing message insert: %w", err)
	}

	return true, nil
}

// MaxUID returns the highest stored UID for an account, or 0 when the
// account has no messages yet.
func (s *SQLiteStore) MaxUID(ctx context.Context, accountID string) (uint32, error) {
	var max uint32
	err := s.db.GetContext(ctx, &max,
		"SELECT COALESCE(MAX(uid), 0) FROM email_messages WHERE account_id = ?",
		accountID,
	)
	if err != nil {
		return 0, fmt.Errorf("querying max uid for %s: %w", accountID, err)
	}
	return max, nil
}

// MarkMessageRead flips the local read flag for a message identified by
// its account and server UID.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, accountID string, uid uint32) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE email_messages SET is_read = 1 WHERE account_id = ? AND uid = ?",
		accountID, uid,
	)
	if err != nil {
		return fmt.Errorf("marking message %s/%d read: %w", accountID, uid, err)
	}
	return nil
}

// ListMessages retrieves messages for an account, newest first.
// Attachment payloads are not loaded on the list path.
func (s *SQLiteStore) ListMessages(
	ctx context.Context,
	accountID string,
	f MessageFilter,
) ([]model.Message, error) {
	query := "SELECT * FROM email_messages WHERE account_id = ?"
	args := []interface{}{accountID}

	if f.UnreadOnly {
		query += " AND is_read = 0"
	}
	query += " ORDER BY uid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// GetMessage retrieves a single message by ID together with its
// attachment metadata (payload bytes excluded).
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT * FROM email_messages WHERE id = ?", id)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, message_id, filename, content_type, size
		FROM email_attachments WHERE message_id = ? ORDER BY filename`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("querying attachments for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var att model.Attachment
		if err := rows.Scan(
			&att.ID, &att.MessageID, &att.Filename, &att.ContentType, &att.Size,
		); err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &msg, nil
}

// GetAttachment retrieves a single attachment with its payload for
// download.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*model.Attachment, error) {
	var att model.Attachment
	err := s.db.QueryRowxContext(ctx,
		"SELECT id, message_id, filename, content_type, size, data FROM email_attachments WHERE id = ?",
		id,
	).Scan(&att.ID, &att.MessageID, &att.Filename, &att.ContentType, &att.Size, &att.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting attachment %s: %w", id, err)
	}

	return &att, nil
}

// scanner is the shared subset of sqlx.Row and sqlx.Rows used by the
// scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanAccount scans an account row.
func scanAccount(row scanner) (model.Account, error) {
	var (
		acc       model.Account
		createdAt time.Time
		updatedAt time.Time
	)

	err := row.Scan(
		&acc.ID, &acc.Email, &acc.Provider, &acc.IMAPHost, &acc.IMAPPort,
		&acc.Username, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Account{}, err
	}

	acc.CreatedAt = createdAt
	acc.UpdatedAt = updatedAt

	return acc, nil
}

// scanMessage scans a message row.
func scanMessage(row scanner) (model.Message, error) {
	var (
		msg       model.Message
		isRead    int
		fetchedAt time.Time
	)

	err := row.Scan(
		&msg.ID, &msg.AccountID, &msg.UID, &msg.Subject, &msg.Sender,
		&msg.SenderEmail, &msg.Recipients, &msg.Date, &msg.Body,
		&msg.BodyHTML, &isRead, &msg.Folder, &fetchedAt,
	)
	if err != nil {
		return model.Message{}, err
	}

	msg.IsRead = isRead != 0
	msg.FetchedAt = fetchedAt

	return msg, nil
}

// truncateRunes bounds s to at most n runes without splitting a
// multi-byte character.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
