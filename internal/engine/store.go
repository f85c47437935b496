// Package engine implements the cache/consistency core: the Store, Folder
// and Message types and the dual-write orchestration between the remote
// mailbox and the local durable store.
package engine

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/event"
	"github.com/brandon/mailmirror/internal/index"
	"github.com/brandon/mailmirror/internal/layout"
	"github.com/brandon/mailmirror/internal/policy"
	"github.com/brandon/mailmirror/pkg/types"
)

// Options configure one store session.
type Options struct {
	// Root is the local store root directory. Created if absent.
	Root string
	// Mode is the initial operation mode.
	Mode policy.Mode
	// Resolver supplies remote folder handles. May be nil for purely
	// local sessions; every remote consultation then reports
	// unavailability and the mode policy decides what that means.
	Resolver types.Resolver
	// CacheAttachments controls whether attachment bytes are persisted.
	CacheAttachments bool
	// Index is the optional search side-car.
	Index *index.Index
	Logger *logrus.Logger
}

// Store is one open mailbox session: the local root, the (lazily connected)
// remote side, the operation mode and the change listener registry.
type Store struct {
	root             string
	resolver         types.Resolver
	cacheAttachments bool
	idx              *index.Index
	logger           *logrus.Logger
	notifier         *event.Notifier

	mu         sync.Mutex
	mode       policy.Mode
	folders    map[string]*Folder
	sessionKey string
	closed     bool
}

// Open creates a store session rooted at opts.Root. No remote call is made;
// the connection is established lazily by the first operation that needs it.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}

	s := &Store{
		root:             opts.Root,
		resolver:         opts.Resolver,
		cacheAttachments: opts.CacheAttachments,
		idx:              opts.Index,
		logger:           opts.Logger,
		notifier:         event.NewNotifier(),
		mode:             opts.Mode,
		folders:          make(map[string]*Folder),
	}

	s.logger.WithFields(logrus.Fields{
		"root": opts.Root,
		"mode": opts.Mode.String(),
	}).Info("Store opened")
	s.fire(event.Event{Source: "store", Kind: event.StoreOpened})
	return s, nil
}

var (
	sessionMu sync.Mutex
	sessions  = make(map[string]*Store)
)

// OpenSession returns the live store registered under key, creating one via
// open only when the key was never seen. Repeated opens for the same logical
// mailbox reuse one instance instead of racing to create duplicates.
func OpenSession(key string, open func() (*Store, error)) (*Store, error) {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	if s, ok := sessions[key]; ok && !s.isClosed() {
		return s, nil
	}

	s, err := open()
	if err != nil {
		return nil, err
	}
	s.sessionKey = key
	sessions[key] = s
	return s, nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Mode returns the current operation mode.
func (s *Store) Mode() policy.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode switches the operation mode. Callers must not switch modes while
// an operation is in flight.
func (s *Store) SetMode(m policy.Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
	s.logger.WithField("mode", m.String()).Debug("Operation mode switched")
}

// caps returns the capability set of the current mode.
func (s *Store) caps() policy.Capabilities {
	return policy.For(s.Mode())
}

// Root returns the local store root directory.
func (s *Store) Root() string { return s.root }

// GetFolder returns the folder engine for a /-delimited path. The folder is
// created as an in-memory object on first reference; backing directories
// appear when EnsureLocal or a mutating operation needs them.
func (s *Store) GetFolder(path string) *Folder {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.folders[path]; ok {
		return f
	}
	f := &Folder{
		store:       s,
		path:        path,
		msgCount:    countUnknown,
		unreadCount: countUnknown,
	}
	s.folders[path] = f
	return f
}

// Subscribe registers a change listener and returns its removal handle.
func (s *Store) Subscribe(l event.Listener) int {
	return s.notifier.Add(l)
}

// Unsubscribe removes a previously registered listener.
func (s *Store) Unsubscribe(id int) {
	s.notifier.Remove(id)
}

func (s *Store) fire(e event.Event) {
	s.notifier.Fire(e)
}

// Index returns the search side-car, or nil when disabled.
func (s *Store) Index() *index.Index { return s.idx }

// Close ends the session: any open remote connection and the search index
// are closed and the session registration is dropped.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	key := s.sessionKey
	s.mu.Unlock()

	if key != "" {
		sessionMu.Lock()
		if sessions[key] == s {
			delete(sessions, key)
		}
		sessionMu.Unlock()
	}

	var firstErr error
	if s.resolver != nil {
		if err := s.resolver.Close(); err != nil {
			firstErr = err
		}
	}
	if s.idx != nil {
		if err := s.idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.fire(event.Event{Source: "store", Kind: event.StoreClosed})
	s.logger.Info("Store closed")
	return firstErr
}

// indexAdd is a best-effort write-through into the search side-car.
func (s *Store) indexAdd(folder, messageID, subject, sender, body string) {
	if s.idx == nil || messageID == "" {
		return
	}
	err := s.idx.Add(index.Entry{
		Folder:    folder,
		MessageID: messageID,
		Subject:   subject,
		Sender:    sender,
		Body:      body,
	})
	if err != nil {
		s.logger.WithError(err).WithField("message_id", messageID).Warn("Failed to index message")
	}
}

// indexRemove is a best-effort delete-through from the search side-car.
func (s *Store) indexRemove(folder, messageID string) {
	if s.idx == nil || messageID == "" {
		return
	}
	if err := s.idx.Remove(folder, messageID); err != nil {
		s.logger.WithError(err).WithField("message_id", messageID).Warn("Failed to unindex message")
	}
}

// folderDir resolves a folder path under the store root.
func (s *Store) folderDir(path string) string {
	return layout.FolderDir(s.root, path)
}
