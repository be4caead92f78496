package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS email_accounts (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL,
	provider   TEXT NOT NULL DEFAULT '',
	imap_host  TEXT NOT NULL DEFAULT '',
	imap_port  INTEGER NOT NULL DEFAULT 993,
	username   TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS email_messages (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
	uid          INTEGER NOT NULL,
	subject      TEXT NOT NULL DEFAULT '',
	sender       TEXT NOT NULL DEFAULT '',
	sender_email TEXT NOT NULL DEFAULT '',
	recipients   TEXT NOT NULL DEFAULT '',
	date         TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	body_html    TEXT NOT NULL DEFAULT '',
	is_read      INTEGER NOT NULL DEFAULT 0 CHECK(is_read IN (0, 1)),
	folder       TEXT NOT NULL DEFAULT 'INBOX',
	fetched_at   DATETIME NOT NULL,
	UNIQUE(account_id, uid)
);

CREATE TABLE IF NOT EXISTS email_attachments (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL REFERENCES email_messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	data         BLOB
);

CREATE INDEX IF NOT EXISTS idx_messages_account_id ON email_messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_account_uid ON email_messages(account_id, uid);
CREATE INDEX IF NOT EXISTS idx_messages_is_read ON email_messages(is_read);
CREATE INDEX IF NOT EXISTS idx_messages_fetched_at ON email_messages(fetched_at);
CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON email_attachments(message_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
