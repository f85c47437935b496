package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brandon/mailmirror/internal/event"
	"github.com/brandon/mailmirror/internal/layout"
	"github.com/brandon/mailmirror/internal/mailerr"
	"github.com/brandon/mailmirror/pkg/types"
)

// Message is the engine for one cached message. Field access answers from
// the bound remote snapshot when the mode prefers remote reads, otherwise
// from the parsed cache fields, lazily loaded on first access.
type Message struct {
	store  *Store
	folder *Folder
	dir    string
	id     string

	props       map[string]string
	propsLoaded bool

	flags       map[string]bool
	flagsLoaded bool

	rdata *types.MessageData // bound remote snapshot, nil until resolved
}

// newMessageFromCache constructs a message engine over an existing cache
// directory. No remote contact happens until a miss forces it.
func newMessageFromCache(f *Folder, dir string) *Message {
	return &Message{store: f.store, folder: f, dir: dir}
}

// newMessageFromRemote persists a remote snapshot into the cache and
// returns its engine. overwrite wipes a pre-existing same-named directory
// first; otherwise the existing entry is kept and only the remote binding
// is refreshed.
func newMessageFromRemote(f *Folder, data *types.MessageData, position int, overwrite bool) (*Message, error) {
	if data.MessageID == "" {
		data.MessageID = synthesizeID(data, position)
	}

	name := layout.MessageDirName(messageSortDate(data), data.Subject)
	dir := filepath.Join(f.messagesDir(), name)

	m := &Message{store: f.store, folder: f, dir: dir, id: data.MessageID, rdata: data}

	_, statErr := os.Stat(dir)
	exists := statErr == nil

	if exists && !overwrite {
		return m, nil
	}

	if exists {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to clear message directory: %w", err)
		}
	}
	if err := m.persist(data); err != nil {
		return nil, err
	}

	kind := event.MessageAdded
	if exists {
		kind = event.MessageUpdated
	}
	f.store.fire(event.Event{Source: "message", Kind: kind, Path: f.path, MessageID: data.MessageID})
	return m, nil
}

// synthesizeID builds a deterministic identity for a message that lacks
// one, derived from the sent date and the message's position so the same
// logical message round-trips to the same cache entry.
func synthesizeID(d *types.MessageData, position int) string {
	ts := d.SentDate
	if ts.IsZero() {
		ts = d.ReceivedDate
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	n := uint32(position)
	if d.UID != 0 {
		n = d.UID
	}
	return fmt.Sprintf("<%d.%d@mailmirror.generated>", ts.Unix(), n)
}

// messageSortDate picks the date used for the directory name prefix.
func messageSortDate(d *types.MessageData) time.Time {
	if !d.SentDate.IsZero() {
		return d.SentDate
	}
	if !d.ReceivedDate.IsZero() {
		return d.ReceivedDate
	}
	return time.Now()
}

// persist writes the snapshot's metadata, contents, flags and attachments
// into the message directory.
func (m *Message) persist(d *types.MessageData) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create message directory: %w", err)
	}

	props := map[string]string{
		layout.KeyMessageID: d.MessageID,
		layout.KeySubject:   d.Subject,
		layout.KeyFrom:      d.From,
		layout.KeyReplyTo:   d.ReplyTo,
		layout.KeyTo:        strings.Join(d.To, ", "),
		layout.KeyCc:        strings.Join(d.Cc, ", "),
		layout.KeySize:      strconv.FormatInt(d.Size, 10),
		layout.KeyFolder:    m.folder.path,
		layout.KeyHasText:   strconv.FormatBool(d.BodyText != ""),
		layout.KeyHasHTML:   strconv.FormatBool(d.BodyHTML != ""),
	}
	if !d.SentDate.IsZero() {
		props[layout.KeySentDate] = d.SentDate.Format(time.RFC3339)
	}
	if !d.ReceivedDate.IsZero() {
		props[layout.KeyReceivedDate] = d.ReceivedDate.Format(time.RFC3339)
	}
	if d.BodyHTML != "" {
		props[layout.KeyPreferred] = "html"
	} else {
		props[layout.KeyPreferred] = "text"
	}

	if err := layout.WriteProperties(filepath.Join(m.dir, layout.PropertiesFile), props); err != nil {
		return err
	}

	if d.BodyText != "" {
		if err := os.WriteFile(filepath.Join(m.dir, layout.ContentText), []byte(d.BodyText), 0644); err != nil {
			return fmt.Errorf("failed to write text content: %w", err)
		}
	}
	if d.BodyHTML != "" {
		if err := os.WriteFile(filepath.Join(m.dir, layout.ContentHTML), []byte(d.BodyHTML), 0644); err != nil {
			return fmt.Errorf("failed to write html content: %w", err)
		}
	}

	if err := layout.WriteFlags(filepath.Join(m.dir, layout.FlagsFile), d.Flags); err != nil {
		return err
	}

	if m.store.cacheAttachments && len(d.Attachments) > 0 {
		attDir := filepath.Join(m.dir, layout.AttachmentsDir)
		if err := os.MkdirAll(attDir, 0755); err != nil {
			return fmt.Errorf("failed to create attachments directory: %w", err)
		}
		for _, att := range d.Attachments {
			name := layout.Sanitize(att.Filename)
			if name == "" {
				name = "attachment"
			}
			if err := os.WriteFile(filepath.Join(attDir, name), att.Data, 0644); err != nil {
				return fmt.Errorf("failed to write attachment: %w", err)
			}
		}
	}

	m.props = props
	m.propsLoaded = true
	m.flags = flagSet(d.Flags)
	m.flagsLoaded = true

	m.store.indexAdd(m.folder.path, d.MessageID, d.Subject, d.From, d.BodyText)
	return nil
}

// loadProps parses the persisted metadata, resolving against the remote
// side on a full cache miss when the mode allows it. Corrupt records are
// recovered per-field.
func (m *Message) loadProps() error {
	if m.propsLoaded {
		return nil
	}

	props, err := layout.ReadProperties(filepath.Join(m.dir, layout.PropertiesFile))
	if err == nil {
		m.props = props
		m.propsLoaded = true
		if m.id == "" {
			m.id = props[layout.KeyMessageID]
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return mailerr.Corruption("message.load", m.dir, err)
	}

	// Nothing cached: lazy remote resolution by identity.
	if bindErr := m.bindRemote(); bindErr != nil {
		return bindErr
	}
	if persistErr := m.persist(m.rdata); persistErr != nil {
		return persistErr
	}
	return nil
}

func (m *Message) prop(key string) string {
	if err := m.loadProps(); err != nil {
		m.store.logger.WithError(err).WithField("dir", m.dir).Debug("Metadata unavailable")
		return ""
	}
	return m.props[key]
}

// bindRemote resolves the remote counterpart of this message: first by the
// stable identity key, then by the (subject, sent date) heuristic. A
// successful resolution binds the snapshot for the rest of this instance's
// life and opportunistically writes newly learned content back to cache.
func (m *Message) bindRemote() error {
	if m.rdata != nil {
		return nil
	}
	caps := m.store.caps()
	if !caps.FallbackOnMiss && !caps.PreferRemoteRead {
		return mailerr.New(mailerr.KindRemoteUnavailable, "message.resolve", m.id)
	}

	h, err := m.folder.remoteHandle(true)
	if err != nil {
		return err
	}

	id := m.id
	if id == "" && m.propsLoaded {
		id = m.props[layout.KeyMessageID]
	}

	var d *types.MessageData
	if id != "" {
		d, err = h.FetchByID(id)
		if err != nil {
			return mailerr.RemoteUnavailable("message.resolve", id, err)
		}
	}
	if d == nil && m.propsLoaded {
		// Heuristic match; first hit wins, no further disambiguation.
		d, err = h.FindBySubjectDate(m.props[layout.KeySubject], parseTime(m.props[layout.KeySentDate]))
		if err != nil {
			return mailerr.RemoteUnavailable("message.resolve", id, err)
		}
	}
	if d == nil {
		return mailerr.NotFound("message.resolve", id)
	}

	m.rdata = d
	if m.id == "" {
		m.id = d.MessageID
	}

	// Write-back on read: persist what we just learned if the cache entry
	// is missing or skeletal.
	if !m.propsLoaded {
		if err := m.persist(d); err != nil {
			m.store.logger.WithError(err).WithField("message_id", m.id).Warn("Failed to write back resolved message")
		}
	}
	return nil
}

func (m *Message) remoteAuthoritative() bool {
	return m.store.caps().PreferRemoteRead && m.rdata != nil
}

// ID returns the stable identity key.
func (m *Message) ID() string {
	if m.id != "" {
		return m.id
	}
	if m.rdata != nil {
		m.id = m.rdata.MessageID
		return m.id
	}
	m.id = m.prop(layout.KeyMessageID)
	return m.id
}

// Dir returns the backing cache directory.
func (m *Message) Dir() string { return m.dir }

func (m *Message) Subject() string {
	if m.remoteAuthoritative() {
		return m.rdata.Subject
	}
	return m.prop(layout.KeySubject)
}

func (m *Message) From() string {
	if m.remoteAuthoritative() {
		return m.rdata.From
	}
	return m.prop(layout.KeyFrom)
}

func (m *Message) ReplyTo() string {
	if m.remoteAuthoritative() {
		return m.rdata.ReplyTo
	}
	return m.prop(layout.KeyReplyTo)
}

func (m *Message) To() []string {
	if m.remoteAuthoritative() {
		return m.rdata.To
	}
	return splitAddressList(m.prop(layout.KeyTo))
}

func (m *Message) Cc() []string {
	if m.remoteAuthoritative() {
		return m.rdata.Cc
	}
	return splitAddressList(m.prop(layout.KeyCc))
}

func (m *Message) SentDate() time.Time {
	if m.remoteAuthoritative() {
		return m.rdata.SentDate
	}
	return parseTime(m.prop(layout.KeySentDate))
}

func (m *Message) ReceivedDate() time.Time {
	if m.remoteAuthoritative() {
		return m.rdata.ReceivedDate
	}
	return parseTime(m.prop(layout.KeyReceivedDate))
}

func (m *Message) Size() int64 {
	if m.remoteAuthoritative() {
		return m.rdata.Size
	}
	n, _ := strconv.ParseInt(m.prop(layout.KeySize), 10, 64)
	return n
}

func splitAddressList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTime parses a persisted timestamp, returning the zero time for
// missing or corrupt values rather than failing the load.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func flagSet(flags []string) map[string]bool {
	set := make(map[string]bool, len(flags))
	for _, f := range flags {
		set[f] = true
	}
	return set
}

func (m *Message) loadFlags() {
	if m.flagsLoaded {
		return
	}
	if m.remoteAuthoritative() {
		m.flags = flagSet(m.rdata.Flags)
		m.flagsLoaded = true
		return
	}
	flags, err := layout.ReadFlags(filepath.Join(m.dir, layout.FlagsFile))
	if err != nil {
		m.store.logger.WithError(err).WithField("dir", m.dir).Debug("Flags unavailable")
	}
	m.flags = flagSet(flags)
	m.flagsLoaded = true
}

// Flags returns the flag set in sorted order.
func (m *Message) Flags() []string {
	m.loadFlags()
	out := make([]string, 0, len(m.flags))
	for f := range m.flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// HasFlag reports whether the canonical flag is set.
func (m *Message) HasFlag(flag string) bool {
	m.loadFlags()
	return m.flags[flag]
}

// SetFlag sets or clears one flag: remote first when a reference is bound
// or the mode demands one, then memory, then the persisted flag record. A
// remote failure aborts before any local state changes.
func (m *Message) SetFlag(flag string, on bool) error {
	caps := m.store.caps()
	if flag == types.FlagDeleted {
		if !caps.DeleteAllowed {
			return mailerr.PolicyViolation("message.setflag", flag)
		}
	} else if !caps.WriteAllowed {
		return mailerr.PolicyViolation("message.setflag", flag)
	}

	// Remote-authoritative modes need a bound reference before mutating.
	if !caps.BestEffortWrite() && m.rdata == nil {
		if err := m.bindRemote(); err != nil {
			return err
		}
	}

	if m.rdata != nil {
		h, err := m.folder.remoteHandle(false)
		if err != nil {
			if !caps.BestEffortWrite() {
				return err
			}
			m.store.logger.WithError(err).WithField("message_id", m.ID()).Warn("Remote unavailable, changing flag locally only")
		} else {
			if on {
				err = h.AddFlag(m.ID(), flag)
			} else {
				err = h.RemoveFlag(m.ID(), flag)
			}
			if err != nil {
				return mailerr.RemoteUnavailable("message.setflag", m.ID(), err)
			}
		}
	}

	m.loadFlags()
	if on {
		m.flags[flag] = true
	} else {
		delete(m.flags, flag)
	}

	flags := make([]string, 0, len(m.flags))
	for f := range m.flags {
		flags = append(flags, f)
	}
	if err := layout.WriteFlags(filepath.Join(m.dir, layout.FlagsFile), flags); err != nil {
		return err
	}

	m.folder.unreadCount = countUnknown
	m.store.fire(event.Event{Source: "message", Kind: event.MessageUpdated, Path: m.folder.path, MessageID: m.ID()})
	return nil
}

// matches is the in-memory search predicate over the already-materialized
// fields.
func (m *Message) matches(needle string) bool {
	if strings.Contains(strings.ToLower(m.Subject()), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(m.From()), needle) {
		return true
	}
	text, _ := m.Text()
	return strings.Contains(strings.ToLower(text), needle)
}
