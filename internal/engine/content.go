package engine

import (
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/brandon/mailmirror/internal/content"
	"github.com/brandon/mailmirror/internal/layout"
	"github.com/brandon/mailmirror/internal/mailerr"
	"github.com/brandon/mailmirror/pkg/types"
)

// Text returns the plain-text body. When only an HTML body exists a text
// rendering is derived, cached, and the metadata updated. Cached text that
// turns out to be markup is reclassified the same way.
func (m *Message) Text() (string, error) {
	if m.remoteAuthoritative() {
		if m.rdata.BodyText != "" {
			return m.rdata.BodyText, nil
		}
		if m.rdata.BodyHTML != "" {
			return content.ToText(m.rdata.BodyHTML)
		}
		return "", nil
	}

	raw, err := m.readContent(layout.ContentText)
	if err != nil {
		return "", err
	}
	if raw != "" && !content.LooksLikeHTML(raw) {
		return raw, nil
	}

	if raw != "" {
		// A text record that is actually markup: promote it and rebuild
		// the text side from it.
		if err := m.reclassifyHTML(raw); err != nil {
			return "", err
		}
	}

	html, err := m.readContent(layout.ContentHTML)
	if err != nil {
		return "", err
	}
	if html == "" {
		return "", nil
	}
	text, err := content.ToText(html)
	if err != nil {
		return "", fmt.Errorf("failed to derive text content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, layout.ContentText), []byte(text), 0644); err != nil {
		return "", fmt.Errorf("failed to cache derived text: %w", err)
	}
	m.setProp(layout.KeyHasText, "true")
	return text, nil
}

// HTML returns the HTML body, or empty when the message has none.
func (m *Message) HTML() (string, error) {
	if m.remoteAuthoritative() {
		return m.rdata.BodyHTML, nil
	}
	html, err := m.readContent(layout.ContentHTML)
	if err != nil || html != "" {
		return html, err
	}
	// Check for a misfiled HTML body stored as text.
	raw, err := m.readContent(layout.ContentText)
	if err != nil {
		return "", err
	}
	if raw == "" || !content.LooksLikeHTML(raw) {
		return "", nil
	}
	if err := m.reclassifyHTML(raw); err != nil {
		return "", err
	}
	return raw, nil
}

// Content returns the preferred rendering: HTML when present, text
// otherwise.
func (m *Message) Content() (string, error) {
	html, err := m.HTML()
	if err != nil {
		return "", err
	}
	if html != "" {
		return html, nil
	}
	return m.Text()
}

func (m *Message) readContent(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if os.IsNotExist(err) {
		// The cache may simply not hold this body; resolve the remote side
		// when the metadata claims it exists.
		if m.contentExpected(name) {
			if bindErr := m.bindRemote(); bindErr != nil {
				return "", bindErr
			}
			if name == layout.ContentText {
				return m.rdata.BodyText, nil
			}
			return m.rdata.BodyHTML, nil
		}
		return "", nil
	}
	if err != nil {
		return "", mailerr.Corruption("message.content", m.dir, err)
	}
	return string(data), nil
}

func (m *Message) contentExpected(name string) bool {
	key := layout.KeyHasText
	if name == layout.ContentHTML {
		key = layout.KeyHasHTML
	}
	return m.prop(key) == "true"
}

// reclassifyHTML moves a body that was cached as text but is markup into
// the HTML slot.
func (m *Message) reclassifyHTML(markup string) error {
	if err := os.WriteFile(filepath.Join(m.dir, layout.ContentHTML), []byte(markup), 0644); err != nil {
		return fmt.Errorf("failed to reclassify content: %w", err)
	}
	if err := os.Remove(filepath.Join(m.dir, layout.ContentText)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reclassify content: %w", err)
	}
	m.setProp(layout.KeyHasHTML, "true")
	m.setProp(layout.KeyHasText, "false")
	m.setProp(layout.KeyPreferred, "html")
	return nil
}

func (m *Message) setProp(key, value string) {
	if err := m.loadProps(); err != nil {
		return
	}
	if m.props[key] == value {
		return
	}
	m.props[key] = value
	if err := layout.WriteProperties(filepath.Join(m.dir, layout.PropertiesFile), m.props); err != nil {
		m.store.logger.WithError(err).WithField("dir", m.dir).Warn("Failed to update message metadata")
	}
}

// Raw returns the full wire form of the message, fetching it from the
// remote side when the cache holds only the parsed rendition.
func (m *Message) Raw() ([]byte, error) {
	if m.rdata != nil && len(m.rdata.Raw) > 0 {
		return m.rdata.Raw, nil
	}
	if err := m.bindRemote(); err != nil {
		return nil, err
	}
	if len(m.rdata.Raw) > 0 {
		return m.rdata.Raw, nil
	}
	return buildRaw(m.rdata)
}

// buildRaw reconstructs an RFC 5322 rendition from the parsed fields, for
// messages whose original wire form is no longer available.
func buildRaw(d *types.MessageData) ([]byte, error) {
	fromName, fromAddr := splitMailbox(d.From)
	if fromAddr == "" {
		fromAddr = "unknown@localhost"
	}

	b := enmime.Builder().
		From(fromName, fromAddr).
		Subject(d.Subject)

	if len(d.To) == 0 {
		b = b.To("", "undisclosed-recipients@localhost")
	}
	for _, to := range d.To {
		name, addr := splitMailbox(to)
		b = b.To(name, addr)
	}
	for _, cc := range d.Cc {
		name, addr := splitMailbox(cc)
		b = b.CC(name, addr)
	}
	if d.MessageID != "" {
		b = b.Header("Message-Id", d.MessageID)
	}
	if !d.SentDate.IsZero() {
		b = b.Header("Date", d.SentDate.Format(time.RFC1123Z))
	}
	if d.BodyText != "" {
		b = b.Text([]byte(d.BodyText))
	}
	if d.BodyHTML != "" {
		b = b.HTML([]byte(d.BodyHTML))
	}
	for _, att := range d.Attachments {
		b = b.AddAttachment(att.Data, att.ContentType, att.Filename)
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}

func splitMailbox(s string) (name, addr string) {
	if s == "" {
		return "", ""
	}
	parsed, err := mail.ParseAddress(s)
	if err != nil {
		return "", s
	}
	return parsed.Name, parsed.Address
}

// Attachments lists the attachment names, from the bound snapshot when
// remote reads are preferred, otherwise from the cached attachment
// directory.
func (m *Message) Attachments() ([]string, error) {
	if m.remoteAuthoritative() {
		names := make([]string, 0, len(m.rdata.Attachments))
		for _, att := range m.rdata.Attachments {
			names = append(names, att.Filename)
		}
		return names, nil
	}
	entries, err := os.ReadDir(filepath.Join(m.dir, layout.AttachmentsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), derivedTextSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

const derivedTextSuffix = ".extracted.txt"

// Attachment returns one attachment's bytes, resolving remotely when the
// cache does not hold attachment payloads.
func (m *Message) Attachment(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, layout.AttachmentsDir, layout.Sanitize(name)))
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	if bindErr := m.bindRemote(); bindErr != nil {
		return nil, bindErr
	}
	for _, att := range m.rdata.Attachments {
		if att.Filename == name {
			return att.Data, nil
		}
	}
	return nil, mailerr.NotFound("message.attachment", name)
}

// AttachmentText extracts a text rendition of one attachment through the
// registered extractors and memoizes it beside the attachment.
func (m *Message) AttachmentText(name string) (string, error) {
	memo := filepath.Join(m.dir, layout.AttachmentsDir, layout.Sanitize(name)+derivedTextSuffix)
	if data, err := os.ReadFile(memo); err == nil {
		return string(data), nil
	}

	data, err := m.Attachment(name)
	if err != nil {
		return "", err
	}
	ext := content.ExtractorFor("", name)
	if ext == nil {
		return "", mailerr.New(mailerr.KindNotFound, "message.extract", name)
	}
	text, err := ext.Extract(data)
	if err != nil {
		return "", fmt.Errorf("failed to extract attachment text: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(memo), 0755); err == nil {
		if err := os.WriteFile(memo, []byte(text), 0644); err != nil {
			m.store.logger.WithError(err).WithField("attachment", name).Debug("Failed to memoize extracted text")
		}
	}
	return text, nil
}

// AttachExtra stores an arbitrary side-car file next to the message
// without touching its mail content.
func (m *Message) AttachExtra(name string, data []byte) error {
	dir := filepath.Join(m.dir, layout.ExtrasDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create extras directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, layout.Sanitize(name)), data, 0644); err != nil {
		return fmt.Errorf("failed to write extra: %w", err)
	}
	return nil
}

// Extras lists the names of stored side-car files.
func (m *Message) Extras() ([]string, error) {
	return listExtras(filepath.Join(m.dir, layout.ExtrasDir))
}

func listExtras(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list extras: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
