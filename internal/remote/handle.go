package remote

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-imap"

	"github.com/brandon/mailmirror/pkg/types"
)

// folderHandle is a live handle on one remote folder. It re-selects the
// mailbox on demand, so handles for different folders may coexist on the
// same connection.
type folderHandle struct {
	mgr      *Manager
	path     string
	readOnly bool
}

func (h *folderHandle) Path() string { return h.path }

// Status returns the total and unseen message counts.
func (h *folderHandle) Status() (int, int, error) {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if err := h.mgr.connect(); err != nil {
		return 0, 0, err
	}

	status, err := h.mgr.client.Status(h.path, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get folder status: %w", err)
	}
	return int(status.Messages), int(status.Unseen), nil
}

// Fetch returns snapshots for the 1-based sequence range [start, end];
// (0, 0) fetches the whole folder.
func (h *folderHandle) Fetch(start, end uint32) ([]*types.MessageData, error) {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if err := h.mgr.selectFolder(h.path, h.readOnly); err != nil {
		return nil, err
	}

	mbox := h.mgr.client.Mailbox()
	if mbox == nil || mbox.Messages == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	if start == 0 && end == 0 {
		seqSet.AddRange(1, mbox.Messages)
	} else {
		if end > mbox.Messages {
			end = mbox.Messages
		}
		if start == 0 || start > end {
			return nil, nil
		}
		seqSet.AddRange(start, end)
	}

	return h.fetchSet(seqSet, false)
}

// FetchByID looks a message up by its identity header.
func (h *folderHandle) FetchByID(messageID string) (*types.MessageData, error) {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	uids, err := h.uidsByMessageID(messageID)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids[0])
	msgs, err := h.fetchSet(seqSet, true)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// FindBySubjectDate scans the folder for the first message with the given
// subject and sent date (second precision). Two distinct messages sharing
// both still bind first-match; callers accept this approximation.
func (h *folderHandle) FindBySubjectDate(subject string, sent time.Time) (*types.MessageData, error) {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if err := h.mgr.selectFolder(h.path, h.readOnly); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", subject)

	uids, err := h.mgr.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search folder: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	msgs, err := h.fetchSet(seqSet, true)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.Subject == subject && msg.SentDate.Truncate(time.Second).Equal(sent.Truncate(time.Second)) {
			return msg, nil
		}
	}
	return nil, nil
}

// Search returns snapshots of all messages matching the free-text term.
func (h *folderHandle) Search(term string) ([]*types.MessageData, error) {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if err := h.mgr.selectFolder(h.path, h.readOnly); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Text = []string{term}

	uids, err := h.mgr.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search folder: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	return h.fetchSet(seqSet, true)
}

// Append stores a raw RFC 822 message into this folder.
func (h *folderHandle) Append(raw []byte, flags []string, date time.Time) error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if err := h.mgr.connect(); err != nil {
		return err
	}
	if date.IsZero() {
		date = time.Now()
	}
	if err := h.mgr.client.Append(h.path, flagsToWire(flags), date, bytes.NewBuffer(raw)); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Copy copies the message with the given identity into dest.
func (h *folderHandle) Copy(messageID string, dest string) error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	uids, err := h.uidsByMessageID(messageID)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return fmt.Errorf("message %s not found in %s", messageID, h.path)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids[0])
	if err := h.mgr.client.UidCopy(seqSet, dest); err != nil {
		return fmt.Errorf("failed to copy message to %s: %w", dest, err)
	}
	return nil
}

// AddFlag adds one canonical flag to the message with the given identity.
func (h *folderHandle) AddFlag(messageID string, flag string) error {
	return h.storeFlag(messageID, flag, imap.AddFlags)
}

// RemoveFlag removes one canonical flag from the message with the given
// identity.
func (h *folderHandle) RemoveFlag(messageID string, flag string) error {
	return h.storeFlag(messageID, flag, imap.RemoveFlags)
}

func (h *folderHandle) storeFlag(messageID, flag string, op imap.FlagsOp) error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if err := h.ensureWritableLocked(); err != nil {
		return err
	}

	uids, err := h.uidsByMessageID(messageID)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return fmt.Errorf("message %s not found in %s", messageID, h.path)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids[0])
	item := imap.FormatFlagsOp(op, true)
	value := make([]interface{}, 0, 1)
	for _, f := range flagsToWire([]string{flag}) {
		value = append(value, f)
	}
	if err := h.mgr.client.UidStore(seqSet, item, value, nil); err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

// RemoveLabel detaches a message from this folder on label-semantics
// servers, using the X-GM-LABELS extension.
func (h *folderHandle) RemoveLabel(messageID string, label string) error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if err := h.ensureWritableLocked(); err != nil {
		return err
	}

	uids, err := h.uidsByMessageID(messageID)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return fmt.Errorf("message %s not found in %s", messageID, h.path)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids[0])
	item := imap.StoreItem("-X-GM-LABELS.SILENT")
	if err := h.mgr.client.UidStore(seqSet, item, []interface{}{label}, nil); err != nil {
		return fmt.Errorf("failed to remove label: %w", err)
	}
	return nil
}

// Expunge permanently removes all DELETED-flagged messages and returns
// their snapshots.
func (h *folderHandle) Expunge() ([]*types.MessageData, error) {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if err := h.ensureWritableLocked(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithFlags = []string{imap.DeletedFlag}

	uids, err := h.mgr.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search deleted messages: %w", err)
	}

	var doomed []*types.MessageData
	if len(uids) > 0 {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uids...)
		doomed, err = h.fetchSet(seqSet, true)
		if err != nil {
			return nil, err
		}
	}

	if err := h.mgr.client.Expunge(nil); err != nil {
		return nil, fmt.Errorf("failed to expunge folder: %w", err)
	}
	return doomed, nil
}

// EnsureWritable upgrades a read-only handle to read-write.
func (h *folderHandle) EnsureWritable() error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	return h.ensureWritableLocked()
}

func (h *folderHandle) ensureWritableLocked() error {
	if h.readOnly {
		h.readOnly = false
		h.mgr.deselect()
	}
	return h.mgr.selectFolder(h.path, false)
}

// Commit forces a close+reopen cycle so mutations are flushed. Some
// backends only apply label and flag changes at folder close.
func (h *folderHandle) Commit() error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if err := h.mgr.selectFolder(h.path, h.readOnly); err != nil {
		return err
	}
	if err := h.mgr.client.Close(); err != nil {
		h.mgr.deselect()
		return fmt.Errorf("failed to close folder: %w", err)
	}
	h.mgr.deselect()
	return h.mgr.selectFolder(h.path, h.readOnly)
}

// Close releases the selection. The underlying connection stays up for
// other handles.
func (h *folderHandle) Close() error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	if h.mgr.selected == h.path {
		h.mgr.deselect()
	}
	return nil
}

// uidsByMessageID resolves the identity header to UIDs. Callers hold the
// manager lock.
func (h *folderHandle) uidsByMessageID(messageID string) ([]uint32, error) {
	if err := h.mgr.selectFolder(h.path, h.readOnly); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", messageID)

	uids, err := h.mgr.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search by message id: %w", err)
	}
	return uids, nil
}

// fetchSet fetches and parses a set of messages. Callers hold the manager
// lock and have the folder selected.
func (h *folderHandle) fetchSet(set *imap.SeqSet, byUID bool) ([]*types.MessageData, error) {
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		imap.FetchUid,
		imap.FetchRFC822,
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		if byUID {
			done <- h.mgr.client.UidFetch(set, items, messages)
		} else {
			done <- h.mgr.client.Fetch(set, items, messages)
		}
	}()

	var out []*types.MessageData
	for msg := range messages {
		out = append(out, parseMessage(msg, h.mgr.logger))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return out, nil
}
