// Package remote implements the connection manager and folder handles for
// the IMAP side of the mirror. All resolution is lazy: nothing dials until a
// folder or message operation actually needs the server.
package remote

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/pkg/types"
)

// Manager owns the remote connection for one mailbox session. A failed
// connection attempt leaves no poisoned state; the next call retries from
// scratch.
type Manager struct {
	cfg    *config.Config
	logger *logrus.Logger

	mu         sync.Mutex
	client     *client.Client
	connected  bool
	selected   string // currently selected folder path, "" when none
	selectedRO bool
}

// NewManager creates a connection manager. It does not connect.
func NewManager(cfg *config.Config, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
	}
}

// connect establishes the connection if needed. Callers hold m.mu.
func (m *Manager) connect() error {
	if m.connected && m.client != nil {
		return nil
	}

	addr := m.cfg.Addr()

	var cl *client.Client
	var err error
	if m.cfg.TLS {
		cl, err = client.DialTLS(addr, &tls.Config{
			ServerName: m.cfg.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		cl, err = client.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := cl.Login(m.cfg.Username, m.cfg.Secret); err != nil {
		m.logger.WithError(err).Error("Failed to login to IMAP server")
		cl.Logout() //nolint:errcheck
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	m.client = cl
	m.connected = true
	m.selected = ""
	m.logger.WithField("server", addr).Info("Connected to IMAP server")
	return nil
}

// selectFolder makes path the selected mailbox in the requested open mode,
// re-selecting only when the selection or open mode changes.
func (m *Manager) selectFolder(path string, readOnly bool) error {
	if err := m.connect(); err != nil {
		return err
	}
	if m.selected == path && (m.selectedRO == readOnly || !m.selectedRO) {
		return nil
	}
	if _, err := m.client.Select(path, readOnly); err != nil {
		m.selected = ""
		return fmt.Errorf("failed to select folder %s: %w", path, err)
	}
	m.selected = path
	m.selectedRO = readOnly
	return nil
}

// deselect drops the current selection, tolerating servers without UNSELECT
// by tracking state only.
func (m *Manager) deselect() {
	m.selected = ""
}

// dropConnection tears down a connection after a protocol error so the next
// call redials.
func (m *Manager) dropConnection() {
	if m.client != nil {
		m.client.Logout() //nolint:errcheck
	}
	m.client = nil
	m.connected = false
	m.selected = ""
}

// Resolve returns a live handle for the folder at path, opened read-only or
// read-write. Unavailability is reported as an error, never a panic.
func (m *Manager) Resolve(path string, readOnly bool) (types.RemoteFolder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.selectFolder(path, readOnly); err != nil {
		return nil, err
	}
	return &folderHandle{mgr: m, path: path, readOnly: readOnly}, nil
}

// FolderExists asks the server whether a folder exists, by exact path match.
func (m *Manager) FolderExists(path string) (bool, error) {
	names, err := m.ListFolders(path)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == path {
			return true, nil
		}
	}
	return false, nil
}

// ListFolders lists remote folder paths matching ref (LIST wildcard
// semantics; "" lists everything).
func (m *Manager) ListFolders(ref string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.connect(); err != nil {
		return nil, err
	}

	pattern := "*"
	if ref != "" {
		pattern = ref
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.List("", pattern, mailboxes)
	}()

	var names []string
	for mb := range mailboxes {
		names = append(names, mb.Name)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return names, nil
}

// CreateFolder creates a folder on the server.
func (m *Manager) CreateFolder(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.connect(); err != nil {
		return err
	}
	if err := m.client.Create(path); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", path, err)
	}
	return nil
}

// DeleteFolder deletes a folder on the server.
func (m *Manager) DeleteFolder(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.connect(); err != nil {
		return err
	}
	if m.selected == path {
		m.deselect()
	}
	if err := m.client.Delete(path); err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", path, err)
	}
	return nil
}

// RenameFolder renames a folder on the server.
func (m *Manager) RenameFolder(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.connect(); err != nil {
		return err
	}
	if m.selected == oldPath {
		m.deselect()
	}
	if err := m.client.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename folder %s: %w", oldPath, err)
	}
	return nil
}

// LabelSemantics reports whether the server treats folders as labels. The
// detection is a host-name heuristic.
func (m *Manager) LabelSemantics() bool {
	host := strings.ToLower(m.cfg.Host)
	return strings.Contains(host, "gmail") || strings.Contains(host, "googlemail")
}

// Close logs out and drops the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		err := m.client.Logout()
		m.client = nil
		m.connected = false
		m.selected = ""
		if err != nil {
			return fmt.Errorf("failed to logout: %w", err)
		}
	}
	return nil
}
