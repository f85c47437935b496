// Package index maintains an optional SQLite full-text side-car over the
// cached messages. The file layout stays the authoritative store; the index
// only accelerates local search and can be rebuilt from disk at any time.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Schema contains the SQL schema for the search index.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    folder TEXT NOT NULL,
    message_id TEXT NOT NULL,
    subject TEXT,
    sender TEXT,
    body TEXT,
    UNIQUE(folder, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    subject,
    sender,
    body,
    content='messages',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, subject, sender, body)
    VALUES (new.id, new.subject, new.sender, new.body);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE ON messages BEGIN
    UPDATE messages_fts SET
        subject = new.subject,
        sender = new.sender,
        body = new.body
    WHERE rowid = new.id;
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
    DELETE FROM messages_fts WHERE rowid = old.id;
END;
`

// Index is the SQLite-backed search index.
type Index struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens (creating if necessary) the index database at dbPath.
func Open(dbPath string, logger *logrus.Logger) (*Index, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	idx := &Index{db: db, logger: logger}
	if err := idx.initSchema(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}

	logger.WithField("path", dbPath).Debug("Search index opened")
	return idx, nil
}

func (i *Index) initSchema() error {
	if _, err := i.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the index database.
func (i *Index) Close() error {
	if i.db != nil {
		return i.db.Close()
	}
	return nil
}
