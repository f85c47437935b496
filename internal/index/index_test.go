package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailmirror/internal/layout"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	idx, err := Open(filepath.Join(t.TempDir(), "search.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestAddSearchRemove(t *testing.T) {
	idx := openTestIndex(t)

	require.NoError(t, idx.Add(Entry{
		Folder: "INBOX", MessageID: "<a@x>", Subject: "Quarterly report", Sender: "alice@example.com", Body: "numbers attached",
	}))
	require.NoError(t, idx.Add(Entry{
		Folder: "INBOX", MessageID: "<b@x>", Subject: "Lunch", Sender: "bob@example.com", Body: "pizza?",
	}))
	require.NoError(t, idx.Add(Entry{
		Folder: "Work", MessageID: "<c@x>", Subject: "Quarterly planning", Sender: "carol@example.com", Body: "",
	}))

	ids, err := idx.Search("INBOX", "Quarterly")
	require.NoError(t, err)
	assert.Equal(t, []string{"<a@x>"}, ids)

	n, err := idx.Count("INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, idx.Remove("INBOX", "<a@x>"))
	ids, err = idx.Search("INBOX", "Quarterly")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAddUpsertsSameIdentity(t *testing.T) {
	idx := openTestIndex(t)

	require.NoError(t, idx.Add(Entry{Folder: "INBOX", MessageID: "<a@x>", Subject: "old", Body: "old body"}))
	require.NoError(t, idx.Add(Entry{Folder: "INBOX", MessageID: "<a@x>", Subject: "new", Body: "new body"}))

	n, err := idx.Count("INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := idx.Search("INBOX", "new")
	require.NoError(t, err)
	assert.Equal(t, []string{"<a@x>"}, ids)
}

func TestMove(t *testing.T) {
	idx := openTestIndex(t)

	require.NoError(t, idx.Add(Entry{Folder: "INBOX", MessageID: "<a@x>", Subject: "keep"}))
	require.NoError(t, idx.Move("INBOX", "<a@x>", "Archive"))

	ids, err := idx.Search("Archive", "keep")
	require.NoError(t, err)
	assert.Equal(t, []string{"<a@x>"}, ids)
}

func TestRebuildFromDisk(t *testing.T) {
	root := t.TempDir()
	msgDir := filepath.Join(root, "INBOX", layout.MessagesDir, "2024-03-09_Hello")
	require.NoError(t, os.MkdirAll(msgDir, 0755))
	require.NoError(t, layout.WriteProperties(filepath.Join(msgDir, layout.PropertiesFile), map[string]string{
		layout.KeyMessageID: "<a@x>",
		layout.KeySubject:   "Hello",
		layout.KeyFrom:      "alice@example.com",
	}))
	require.NoError(t, os.WriteFile(filepath.Join(msgDir, layout.ContentText), []byte("greetings body"), 0644))

	// Archived messages must not be indexed.
	archDir := filepath.Join(root, "INBOX", layout.ArchivedMessagesDir, "2024-03-08_Old")
	require.NoError(t, os.MkdirAll(archDir, 0755))

	idx := openTestIndex(t)
	require.NoError(t, idx.Rebuild(root))

	ids, err := idx.Search("INBOX", "greetings")
	require.NoError(t, err)
	assert.Equal(t, []string{"<a@x>"}, ids)
}
