// Package layout maps folder paths and message identities to filesystem
// locations. The shapes produced here are a compatibility surface for
// existing caches and must stay stable.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reserved child directories of every folder directory.
const (
	MessagesDir         = "messages"
	ArchivedMessagesDir = "archived_messages"
	ExtrasDir           = "extras"
)

// ArchivedFoldersDir is the store-level area deleted folders move into.
const ArchivedFoldersDir = "archived_folders"

// Fixed file and directory names inside a message directory.
const (
	PropertiesFile = "message.properties"
	ContentText    = "content.txt"
	ContentHTML    = "content.html"
	FlagsFile      = "flags.txt"
	AttachmentsDir = "attachments"
)

// maxSubjectLen bounds the subject-derived component of a message directory
// name.
const maxSubjectLen = 60

const dateFormat = "2006-01-02"

// IsReserved reports whether name is one of the three reserved folder
// children and therefore never a subfolder.
func IsReserved(name string) bool {
	return name == MessagesDir || name == ArchivedMessagesDir || name == ExtrasDir
}

// Sanitize replaces filesystem-hostile characters with underscores.
func Sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

// FolderDir resolves a /-delimited folder path under the store root. Each
// path segment is sanitized independently so the hierarchy survives hostile
// folder names.
func FolderDir(root, path string) string {
	segments := strings.Split(path, "/")
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, root)
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		parts = append(parts, Sanitize(seg))
	}
	return filepath.Join(parts...)
}

// MessageDirName builds the deterministic, human-legible directory name for
// a message: date prefix for approximate delivery ordering, truncated
// sanitized subject for legibility.
func MessageDirName(sent time.Time, subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "no_subject"
	}
	if len(subject) > maxSubjectLen {
		subject = subject[:maxSubjectLen]
	}
	return sent.Format(dateFormat) + "_" + Sanitize(subject)
}

// ArchivedFolderDir returns a unique destination under archived_folders for
// a folder being archived. A timestamp suffix guarantees uniqueness; a
// counter breaks same-second collisions.
func ArchivedFolderDir(root, path string, now time.Time) string {
	base := filepath.Join(root, ArchivedFoldersDir, Sanitize(strings.ReplaceAll(path, "/", "_")))
	dir := fmt.Sprintf("%s_%s", base, now.Format("20060102T150405"))
	candidate := dir
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", dir, n)
	}
}

// UniqueDir returns dir if unused, otherwise dir with a numeric suffix that
// does not yet exist.
func UniqueDir(dir string) string {
	candidate := dir
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", dir, n)
	}
}

// atomicWrite writes data to path via a uniquely named temp file in the same
// directory followed by a rename.
func atomicWrite(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
