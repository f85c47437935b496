package engine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/brandon/mailmirror/internal/event"
	"github.com/brandon/mailmirror/internal/layout"
	"github.com/brandon/mailmirror/internal/mailerr"
	"github.com/brandon/mailmirror/pkg/types"
)

// countUnknown is the sentinel for an invalidated count cache.
const countUnknown = -1

// Folder is the engine for one hierarchical folder. Operations consult the
// mode policy to decide remote-vs-local precedence and orchestrate dual
// writes. A Folder must not be driven from two goroutines at once.
type Folder struct {
	store *Store
	path  string

	remote   types.RemoteFolder // lazily bound, nil until resolved
	open     bool
	readOnly bool

	// Count caches, countUnknown until recomputed. Best-effort scalars,
	// not linearizable.
	msgCount    int
	unreadCount int
}

// Path returns the /-delimited folder path.
func (f *Folder) Path() string { return f.path }

// Store returns the owning store.
func (f *Folder) Store() *Store { return f.store }

func (f *Folder) dir() string         { return f.store.folderDir(f.path) }
func (f *Folder) messagesDir() string { return filepath.Join(f.dir(), layout.MessagesDir) }
func (f *Folder) archivedDir() string { return filepath.Join(f.dir(), layout.ArchivedMessagesDir) }
func (f *Folder) extrasDir() string   { return filepath.Join(f.dir(), layout.ExtrasDir) }

func (f *Folder) ensureOpen() error {
	if !f.open {
		return fmt.Errorf("folder %s is not open", f.path)
	}
	return nil
}

// remoteHandle binds the remote folder handle lazily. A failed resolution
// leaves no poisoned state; the next call retries from scratch.
func (f *Folder) remoteHandle(readOnly bool) (types.RemoteFolder, error) {
	if f.remote != nil {
		if !readOnly {
			if err := f.remote.EnsureWritable(); err != nil {
				return nil, mailerr.RemoteUnavailable("folder.upgrade", f.path, err)
			}
		}
		return f.remote, nil
	}
	if f.store.resolver == nil {
		return nil, mailerr.New(mailerr.KindRemoteUnavailable, "folder.resolve", f.path)
	}
	h, err := f.store.resolver.Resolve(f.path, readOnly)
	if err != nil {
		return nil, mailerr.RemoteUnavailable("folder.resolve", f.path, err)
	}
	f.remote = h
	return h, nil
}

// releaseRemote drops the bound handle, if any.
func (f *Folder) releaseRemote() {
	if f.remote != nil {
		f.remote.Close() //nolint:errcheck
		f.remote = nil
	}
}

// invalidateCounts resets both count caches to unknown. Called after every
// structural mutation.
func (f *Folder) invalidateCounts() {
	f.msgCount = countUnknown
	f.unreadCount = countUnknown
}

// EnsureLocal creates the backing directory tree eagerly.
func (f *Folder) EnsureLocal() error {
	for _, d := range []string{f.messagesDir(), f.archivedDir(), f.extrasDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create folder directories: %w", err)
		}
	}
	return nil
}

// Exists reports whether the folder exists. A folder present remotely but
// absent locally self-heals: the local directory is created so the two
// sides stop drifting.
func (f *Folder) Exists() (bool, error) {
	if _, err := os.Stat(f.dir()); err == nil {
		return true, nil
	}

	caps := f.store.caps()
	if !caps.FallbackOnMiss || f.store.resolver == nil {
		return false, nil
	}

	ok, err := f.store.resolver.FolderExists(f.path)
	if err != nil {
		f.store.logger.WithError(err).WithField("folder", f.path).Debug("Remote existence check failed")
		return false, nil
	}
	if !ok {
		return false, nil
	}

	if err := f.EnsureLocal(); err != nil {
		return true, err
	}
	f.store.fire(event.Event{Source: "folder", Kind: event.FolderAdded, Path: f.path})
	return true, nil
}

// List returns the child folder paths matching pattern: the union of local
// subdirectories (reserved names excluded) and, capability permitting,
// remote children not already represented locally. Duplicates are
// suppressed by full path equality, never merged.
func (f *Folder) List(pattern string) ([]string, error) {
	seen := make(map[string]bool)
	var children []string

	add := func(child string) {
		if seen[child] {
			return
		}
		if !matchPattern(pattern, child) {
			return
		}
		seen[child] = true
		children = append(children, child)
	}

	entries, err := os.ReadDir(f.dir())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read folder directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || layout.IsReserved(entry.Name()) {
			continue
		}
		add(f.childPath(entry.Name()))
	}

	caps := f.store.caps()
	if caps.SearchRemote && f.store.resolver != nil {
		remoteChildren, err := f.store.resolver.ListFolders(f.childPath("%"))
		if err != nil {
			f.store.logger.WithError(err).WithField("folder", f.path).Debug("Remote folder listing failed")
		} else {
			for _, child := range remoteChildren {
				add(child)
			}
		}
	}

	sort.Strings(children)
	return children, nil
}

func (f *Folder) childPath(name string) string {
	if f.path == "" {
		return name
	}
	return f.path + "/" + name
}

func matchPattern(pattern, candidate string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, candidate)
	return err == nil && ok
}

// Create creates the folder, remote side first when writes are allowed. The
// local directory only appears if the remote leg succeeded or the mode
// tolerates proceeding without it.
func (f *Folder) Create() error {
	caps := f.store.caps()
	if !caps.WriteAllowed {
		return mailerr.PolicyViolation("folder.create", f.path)
	}

	if f.store.resolver != nil {
		if err := f.store.resolver.CreateFolder(f.path); err != nil {
			if !caps.BestEffortWrite() {
				return mailerr.RemoteUnavailable("folder.create", f.path, err)
			}
			f.store.logger.WithError(err).WithField("folder", f.path).Warn("Remote folder create failed, proceeding locally")
		}
	} else if !caps.BestEffortWrite() {
		return mailerr.New(mailerr.KindRemoteUnavailable, "folder.create", f.path)
	}

	if err := f.EnsureLocal(); err != nil {
		return err
	}
	f.store.fire(event.Event{Source: "folder", Kind: event.FolderAdded, Path: f.path})
	return nil
}

// Delete archives the folder: the remote folder is deleted first (delete
// capability required), then the whole local directory is renamed into the
// store-level archived_folders area. Nothing is ever removed outright.
func (f *Folder) Delete() error {
	caps := f.store.caps()
	if !caps.DeleteAllowed {
		return mailerr.PolicyViolation("folder.delete", f.path)
	}

	if f.store.resolver != nil {
		if err := f.store.resolver.DeleteFolder(f.path); err != nil {
			if !caps.BestEffortWrite() {
				return mailerr.RemoteUnavailable("folder.delete", f.path, err)
			}
			f.store.logger.WithError(err).WithField("folder", f.path).Warn("Remote folder delete failed, archiving locally anyway")
		}
	}

	f.releaseRemote()

	if _, err := os.Stat(f.dir()); err == nil {
		dest := layout.ArchivedFolderDir(f.store.root, f.path, time.Now())
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("failed to create archive area: %w", err)
		}
		if err := os.Rename(f.dir(), dest); err != nil {
			return fmt.Errorf("failed to archive folder: %w", err)
		}
	}

	if f.store.idx != nil {
		if err := f.store.idx.RemoveFolder(f.path); err != nil {
			f.store.logger.WithError(err).Warn("Failed to unindex archived folder")
		}
	}

	f.store.mu.Lock()
	delete(f.store.folders, f.path)
	f.store.mu.Unlock()

	f.open = false
	f.invalidateCounts()
	f.store.fire(event.Event{Source: "folder", Kind: event.FolderUpdated, Path: f.path})
	return nil
}

// RenameTo renames the folder, remote side first.
func (f *Folder) RenameTo(newPath string) error {
	caps := f.store.caps()
	if !caps.WriteAllowed {
		return mailerr.PolicyViolation("folder.rename", f.path)
	}

	if f.store.resolver != nil {
		if err := f.store.resolver.RenameFolder(f.path, newPath); err != nil {
			if !caps.BestEffortWrite() {
				return mailerr.RemoteUnavailable("folder.rename", f.path, err)
			}
			f.store.logger.WithError(err).WithField("folder", f.path).Warn("Remote folder rename failed, proceeding locally")
		}
	} else if !caps.BestEffortWrite() {
		return mailerr.New(mailerr.KindRemoteUnavailable, "folder.rename", f.path)
	}

	f.releaseRemote()

	oldDir := f.dir()
	newDir := f.store.folderDir(newPath)
	if _, err := os.Stat(oldDir); err == nil {
		if err := os.MkdirAll(filepath.Dir(newDir), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := os.Rename(oldDir, newDir); err != nil {
			return fmt.Errorf("failed to rename folder directory: %w", err)
		}
	}

	f.store.mu.Lock()
	delete(f.store.folders, f.path)
	oldPath := f.path
	f.path = newPath
	f.store.folders[newPath] = f
	f.store.mu.Unlock()

	if f.store.idx != nil {
		// Cheap rename support: re-scan is the safe fallback.
		if err := f.store.idx.RemoveFolder(oldPath); err == nil {
			if err := f.store.idx.Rebuild(f.store.root); err != nil {
				f.store.logger.WithError(err).Warn("Failed to rebuild index after rename")
			}
		}
	}

	f.invalidateCounts()
	f.store.fire(event.Event{Source: "folder", Kind: event.FolderUpdated, Path: newPath})
	return nil
}

// Open marks the folder open in the given open mode and resets both count
// caches to unknown.
func (f *Folder) Open(readOnly bool) error {
	f.open = true
	f.readOnly = readOnly
	f.invalidateCounts()
	return nil
}

// Close closes the folder, optionally expunging first (delete capability
// required). A write-mode handle is committed so flag and label changes are
// flushed, then released.
func (f *Folder) Close(expunge bool) error {
	if expunge {
		if _, err := f.Expunge(); err != nil {
			return err
		}
	}
	if f.remote != nil && !f.readOnly {
		if err := f.remote.Commit(); err != nil {
			f.store.logger.WithError(err).WithField("folder", f.path).Warn("Failed to commit folder changes")
		}
	}
	f.releaseRemote()
	f.open = false
	return nil
}

// IsOpen reports the open flag.
func (f *Folder) IsOpen() bool { return f.open }

// localMessageDirs lists the live message directory names in sorted order.
// The date-prefixed naming scheme makes this approximate delivery order.
func (f *Folder) localMessageDirs() ([]string, error) {
	entries, err := os.ReadDir(f.messagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read messages directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// MessageCount returns the number of messages. Memoized until the next
// structural mutation. Cache-preferring modes count local message
// directories; remote-preferring modes ask the server and fall back to the
// local count on error.
func (f *Folder) MessageCount() (int, error) {
	if err := f.ensureOpen(); err != nil {
		return 0, err
	}
	if f.msgCount != countUnknown {
		return f.msgCount, nil
	}

	caps := f.store.caps()
	if caps.PreferRemoteRead && caps.SearchRemote {
		if h, err := f.remoteHandle(true); err == nil {
			if total, _, err := h.Status(); err == nil {
				f.msgCount = total
				return total, nil
			} else {
				f.store.logger.WithError(err).WithField("folder", f.path).Debug("Remote count failed, using local")
			}
		}
	}

	names, err := f.localMessageDirs()
	if err != nil {
		return 0, err
	}
	f.msgCount = len(names)
	return f.msgCount, nil
}

// UnreadMessageCount returns the number of messages without the SEEN flag,
// with the same precedence rules as MessageCount.
func (f *Folder) UnreadMessageCount() (int, error) {
	if err := f.ensureOpen(); err != nil {
		return 0, err
	}
	if f.unreadCount != countUnknown {
		return f.unreadCount, nil
	}

	caps := f.store.caps()
	if caps.PreferRemoteRead && caps.SearchRemote {
		if h, err := f.remoteHandle(true); err == nil {
			if _, unseen, err := h.Status(); err == nil {
				f.unreadCount = unseen
				return unseen, nil
			} else {
				f.store.logger.WithError(err).WithField("folder", f.path).Debug("Remote unread count failed, using local")
			}
		}
	}

	names, err := f.localMessageDirs()
	if err != nil {
		return 0, err
	}
	unread := 0
	for _, name := range names {
		flags, err := layout.ReadFlags(filepath.Join(f.messagesDir(), name, layout.FlagsFile))
		if err != nil {
			continue
		}
		seen := false
		for _, fl := range flags {
			if fl == types.FlagSeen {
				seen = true
				break
			}
		}
		if !seen {
			unread++
		}
	}
	f.unreadCount = unread
	return unread, nil
}

// Messages enumerates the folder. Remote-preferring modes fetch from the
// server and materialize cache entries (overwriting them only when the mode
// says so); cache-preferring modes load the local tree and retry against
// the server only when the cache is empty and fallback applies.
func (f *Folder) Messages() ([]*Message, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	caps := f.store.caps()

	if caps.PreferRemoteRead {
		msgs, err := f.fetchRemote(0, 0, caps.OverwriteCache)
		if err == nil {
			return msgs, nil
		}
		if !caps.FallbackOnMiss {
			return nil, err
		}
		f.store.logger.WithError(err).WithField("folder", f.path).Warn("Remote enumeration failed, serving cache")
		return f.loadLocal()
	}

	msgs, err := f.loadLocal()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 && caps.FallbackOnMiss && f.store.resolver != nil {
		remoteMsgs, rerr := f.fetchRemote(0, 0, false)
		if rerr != nil {
			f.store.logger.WithError(rerr).WithField("folder", f.path).Debug("Fallback fetch failed, cache stays empty")
			return msgs, nil
		}
		return remoteMsgs, nil
	}
	return msgs, nil
}

// MessageRange returns messages with 1-based positions in [start, end],
// in local ordering.
func (f *Folder) MessageRange(start, end int) ([]*Message, error) {
	msgs, err := f.Messages()
	if err != nil {
		return nil, err
	}
	if start < 1 {
		start = 1
	}
	if end > len(msgs) {
		end = len(msgs)
	}
	if start > end {
		return nil, nil
	}
	return msgs[start-1 : end], nil
}

// Message returns the message at 1-based position n.
func (f *Folder) Message(n int) (*Message, error) {
	msgs, err := f.MessageRange(n, n)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, mailerr.NotFound("folder.message", fmt.Sprintf("%s[%d]", f.path, n))
	}
	return msgs[0], nil
}

// loadLocal materializes Message engines from the cached directory tree.
func (f *Folder) loadLocal() ([]*Message, error) {
	names, err := f.localMessageDirs()
	if err != nil {
		return nil, err
	}
	msgs := make([]*Message, 0, len(names))
	for _, name := range names {
		msgs = append(msgs, newMessageFromCache(f, filepath.Join(f.messagesDir(), name)))
	}
	return msgs, nil
}

// fetchRemote fetches a sequence range from the server and persists each
// snapshot into the cache.
func (f *Folder) fetchRemote(start, end uint32, overwrite bool) ([]*Message, error) {
	h, err := f.remoteHandle(f.readOnly)
	if err != nil {
		return nil, err
	}
	data, err := h.Fetch(start, end)
	if err != nil {
		return nil, mailerr.RemoteUnavailable("folder.fetch", f.path, err)
	}

	msgs := make([]*Message, 0, len(data))
	for i, d := range data {
		msg, err := newMessageFromRemote(f, d, i+1, overwrite)
		if err != nil {
			f.store.logger.WithError(err).WithField("folder", f.path).Warn("Failed to cache fetched message")
			continue
		}
		msgs = append(msgs, msg)
	}
	f.invalidateCounts()
	return msgs, nil
}

// Search finds messages matching the free-text term. Cache-preferring modes
// search locally first (index-accelerated, with an in-memory filter
// fallback) and consult the server only on an empty result; remote-
// preferring modes search the server first with the cache as fallback.
func (f *Folder) Search(term string) ([]*Message, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	caps := f.store.caps()

	if caps.PreferRemoteRead {
		msgs, err := f.searchRemote(term, caps.OverwriteCache)
		if err == nil {
			return msgs, nil
		}
		if !caps.FallbackOnMiss {
			return nil, err
		}
		f.store.logger.WithError(err).WithField("folder", f.path).Warn("Remote search failed, searching cache")
		return f.searchLocal(term)
	}

	msgs, err := f.searchLocal(term)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 && caps.SearchRemote && f.store.resolver != nil {
		remoteMsgs, rerr := f.searchRemote(term, false)
		if rerr != nil {
			f.store.logger.WithError(rerr).WithField("folder", f.path).Debug("Fallback search failed")
			return msgs, nil
		}
		return remoteMsgs, nil
	}
	return msgs, nil
}

func (f *Folder) searchRemote(term string, overwrite bool) ([]*Message, error) {
	h, err := f.remoteHandle(true)
	if err != nil {
		return nil, err
	}
	data, err := h.Search(term)
	if err != nil {
		return nil, mailerr.RemoteUnavailable("folder.search", f.path, err)
	}
	msgs := make([]*Message, 0, len(data))
	for i, d := range data {
		msg, err := newMessageFromRemote(f, d, i+1, overwrite)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (f *Folder) searchLocal(term string) ([]*Message, error) {
	if f.store.idx != nil {
		ids, err := f.store.idx.Search(f.path, term)
		if err == nil {
			return f.messagesByID(ids)
		}
		f.store.logger.WithError(err).WithField("folder", f.path).Warn("Index search failed, scanning cache")
	}

	msgs, err := f.loadLocal()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(term)
	var hits []*Message
	for _, m := range msgs {
		if m.matches(needle) {
			hits = append(hits, m)
		}
	}
	return hits, nil
}

// messagesByID maps identity keys back to cached messages, preserving local
// ordering.
func (f *Folder) messagesByID(ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	msgs, err := f.loadLocal()
	if err != nil {
		return nil, err
	}
	var hits []*Message
	for _, m := range msgs {
		if want[m.ID()] {
			hits = append(hits, m)
		}
	}
	return hits, nil
}

// archiveMessageDir relocates one live message directory into
// archived_messages, never removing it. Returns the destination path, or
// "" when the source did not exist.
func (f *Folder) archiveMessageDir(name string) (string, error) {
	src := filepath.Join(f.messagesDir(), name)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if err := os.MkdirAll(f.archivedDir(), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	dest := layout.UniqueDir(filepath.Join(f.archivedDir(), name))
	if err := os.Rename(src, dest); err != nil {
		return "", fmt.Errorf("failed to archive message: %w", err)
	}
	return dest, nil
}

// AttachExtra stores a caller-attached side file under the folder's extras
// directory, sanitizing the file name.
func (f *Folder) AttachExtra(name string, data []byte) error {
	if err := os.MkdirAll(f.extrasDir(), 0755); err != nil {
		return fmt.Errorf("failed to create extras directory: %w", err)
	}
	path := filepath.Join(f.extrasDir(), layout.Sanitize(name))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write extra file: %w", err)
	}
	return nil
}

// Extras lists the caller-attached side files.
func (f *Folder) Extras() ([]string, error) {
	entries, err := os.ReadDir(f.extrasDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
