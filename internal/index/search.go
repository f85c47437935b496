package index

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brandon/mailmirror/internal/layout"
)

// Entry is one indexed message.
type Entry struct {
	Folder    string
	MessageID string
	Subject   string
	Sender    string
	Body      string
}

// Add upserts one message into the index.
func (i *Index) Add(e Entry) error {
	query := `
		INSERT INTO messages (folder, message_id, subject, sender, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(folder, message_id) DO UPDATE SET
			subject = excluded.subject,
			sender = excluded.sender,
			body = excluded.body
	`
	if _, err := i.db.Exec(query, e.Folder, e.MessageID, e.Subject, e.Sender, e.Body); err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	return nil
}

// Remove drops one message from the index. Unknown messages are a no-op.
func (i *Index) Remove(folder, messageID string) error {
	if _, err := i.db.Exec("DELETE FROM messages WHERE folder = ? AND message_id = ?", folder, messageID); err != nil {
		return fmt.Errorf("failed to unindex message: %w", err)
	}
	return nil
}

// Move reassigns one indexed message to another folder.
func (i *Index) Move(folder, messageID, destFolder string) error {
	if _, err := i.db.Exec("UPDATE messages SET folder = ? WHERE folder = ? AND message_id = ?", destFolder, folder, messageID); err != nil {
		return fmt.Errorf("failed to move indexed message: %w", err)
	}
	return nil
}

// RemoveFolder drops a folder and its whole subtree from the index.
func (i *Index) RemoveFolder(folder string) error {
	if _, err := i.db.Exec("DELETE FROM messages WHERE folder = ? OR folder LIKE ?", folder, folder+"/%"); err != nil {
		return fmt.Errorf("failed to unindex folder: %w", err)
	}
	return nil
}

// Search returns the identities of messages in folder matching the
// free-text term.
func (i *Index) Search(folder, term string) ([]string, error) {
	// Escape FTS5 specials; the term is matched as a phrase.
	phrase := `"` + strings.ReplaceAll(term, `"`, `""`) + `"`

	query := `
		SELECT m.message_id
		FROM messages m
		JOIN messages_fts f ON f.rowid = m.id
		WHERE m.folder = ? AND messages_fts MATCH ?
		ORDER BY m.id
	`
	rows, err := i.db.Query(query, folder, phrase)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of indexed messages in folder.
func (i *Index) Count(folder string) (int, error) {
	var n int
	err := i.db.QueryRow("SELECT COUNT(*) FROM messages WHERE folder = ?", folder).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count indexed messages: %w", err)
	}
	return n, nil
}

// Rebuild drops the index contents and re-scans the whole store root. Only
// live messages/ directories are indexed; archives are skipped.
func (i *Index) Rebuild(root string) error {
	if _, err := i.db.Exec("DELETE FROM messages"); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable subtrees are skipped
		}
		if !d.IsDir() || d.Name() != layout.MessagesDir {
			return nil
		}

		rel, relErr := filepath.Rel(root, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		folder := filepath.ToSlash(rel)
		if strings.HasPrefix(folder, layout.ArchivedFoldersDir) {
			return filepath.SkipDir
		}

		entries, readErr := os.ReadDir(path)
		if readErr != nil {
			return nil
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			i.indexMessageDir(folder, filepath.Join(path, entry.Name()))
		}
		return filepath.SkipDir
	})
}

// indexMessageDir indexes one cached message directory, tolerating partial
// or corrupt entries.
func (i *Index) indexMessageDir(folder, dir string) {
	props, err := layout.ReadProperties(filepath.Join(dir, layout.PropertiesFile))
	if err != nil {
		i.logger.WithError(err).WithField("dir", dir).Debug("Skipping unreadable message")
		return
	}
	id := props[layout.KeyMessageID]
	if id == "" {
		return
	}

	body, _ := os.ReadFile(filepath.Join(dir, layout.ContentText))

	err = i.Add(Entry{
		Folder:    folder,
		MessageID: id,
		Subject:   props[layout.KeySubject],
		Sender:    props[layout.KeyFrom],
		Body:      string(body),
	})
	if err != nil {
		i.logger.WithError(err).WithField("dir", dir).Warn("Failed to index message")
	}
}
