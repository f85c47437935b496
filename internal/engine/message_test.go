package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailmirror/internal/layout"
	"github.com/brandon/mailmirror/internal/mailerr"
	"github.com/brandon/mailmirror/internal/policy"
	"github.com/brandon/mailmirror/pkg/types"
)

func TestSynthesizedIdentityIsStable(t *testing.T) {
	sent := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	msg := &types.MessageData{Subject: "Hello", SentDate: sent}

	s := testStore(t, policy.Accelerated, nil)
	f := s.GetFolder("INBOX")
	require.NoError(t, f.Open(false))
	_, err := f.Append([]*types.MessageData{msg})
	require.NoError(t, err)

	want := fmt.Sprintf("<%d.1@mailmirror.generated>", sent.Unix())
	assert.Equal(t, want, msg.MessageID)

	// A fresh session over the same root sees the same identity.
	s2, err := Open(Options{Root: s.Root(), Mode: policy.Offline, Logger: testLogger()})
	require.NoError(t, err)
	defer s2.Close()

	f2 := s2.GetFolder("INBOX")
	require.NoError(t, f2.Open(true))
	msgs, err := f2.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, want, msgs[0].ID())
}

func TestFetchedMessageWithoutIdentityGetsSynthesized(t *testing.T) {
	sent := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	remote := &types.MessageData{UID: 5, Subject: "Hello", From: "alice@example.com", SentDate: sent, BodyText: "Hi"}

	r := newFakeResolver("INBOX")
	r.put("INBOX", remote)

	s := testStore(t, policy.Accelerated, r)
	f := s.GetFolder("INBOX")
	require.NoError(t, f.Open(false))

	msgs, err := f.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	want := fmt.Sprintf("<%d.5@mailmirror.generated>", sent.Unix())
	assert.Equal(t, want, msgs[0].ID())

	// The synthesized identity is persisted, so a cache-only reload
	// answers the same.
	reload, err := f.loadLocal()
	require.NoError(t, err)
	require.Len(t, reload, 1)
	assert.Equal(t, want, reload[0].ID())
}

func TestSynthesizedIdentityPrefersUID(t *testing.T) {
	sent := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	id := synthesizeID(&types.MessageData{UID: 42, SentDate: sent}, 7)
	assert.Equal(t, fmt.Sprintf("<%d.42@mailmirror.generated>", sent.Unix()), id)
}

func TestMetadataRoundTrip(t *testing.T) {
	sent := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	received := sent.Add(2 * time.Second)
	msg := &types.MessageData{
		MessageID:    "<rt@example.com>",
		Subject:      "Quarterly report: Q1",
		From:         "Alice <alice@example.com>",
		ReplyTo:      "reply@example.com",
		To:           []string{"bob@example.com", "carol@example.com"},
		Cc:           []string{"dan@example.com"},
		SentDate:     sent,
		ReceivedDate: received,
		Size:         1234,
		Flags:        []string{types.FlagSeen, types.UserFlagPrefix + "important"},
		BodyText:     "plain body",
		BodyHTML:     "<p>html body</p>",
	}

	s := testStore(t, policy.Accelerated, nil)
	f := s.GetFolder("INBOX")
	require.NoError(t, f.Open(false))
	_, err := f.Append([]*types.MessageData{msg})
	require.NoError(t, err)

	// Reload from disk through a fresh engine.
	msgs, err := f.loadLocal()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]

	assert.Equal(t, "<rt@example.com>", m.ID())
	assert.Equal(t, "Quarterly report: Q1", m.Subject())
	assert.Equal(t, "Alice <alice@example.com>", m.From())
	assert.Equal(t, "reply@example.com", m.ReplyTo())
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, m.To())
	assert.Equal(t, []string{"dan@example.com"}, m.Cc())
	assert.True(t, m.SentDate().Equal(sent))
	assert.True(t, m.ReceivedDate().Equal(received))
	assert.Equal(t, int64(1234), m.Size())
	assert.Equal(t, []string{types.FlagSeen, types.UserFlagPrefix + "important"}, m.Flags())

	text, err := m.Text()
	require.NoError(t, err)
	assert.Equal(t, "plain body", text)
	html, err := m.HTML()
	require.NoError(t, err)
	assert.Equal(t, "<p>html body</p>", html)

	content, err := m.Content()
	require.NoError(t, err)
	assert.Equal(t, "<p>html body</p>", content)
}

func TestTextDerivedFromHTML(t *testing.T) {
	msg := sampleMessage("<h@example.com>", "html only")
	msg.BodyText = ""
	msg.BodyHTML = "<html><body><p>Hello World</p></body></html>"

	s := testStore(t, policy.Accelerated, nil)
	f := s.GetFolder("INBOX")
	require.NoError(t, f.Open(false))
	_, err := f.Append([]*types.MessageData{msg})
	require.NoError(t, err)

	msgs, err := f.loadLocal()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	text, err := msgs[0].Text()
	require.NoError(t, err)
	assert.Contains(t, text, "Hello World")

	// The derivation was cached.
	_, err = os.Stat(filepath.Join(msgs[0].Dir(), layout.ContentText))
	assert.NoError(t, err)
}

func TestMisfiledHTMLIsReclassified(t *testing.T) {
	markup := "<html><body><p>Actually markup</p></body></html>"
	msg := sampleMessage("<m@example.com>", "misfiled")
	msg.BodyText = markup
	msg.BodyHTML = ""

	s := testStore(t, policy.Accelerated, nil)
	f := s.GetFolder("INBOX")
	require.NoError(t, f.Open(false))
	_, err := f.Append([]*types.MessageData{msg})
	require.NoError(t, err)

	msgs, err := f.loadLocal()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]

	html, err := m.HTML()
	require.NoError(t, err)
	assert.Equal(t, markup, html)

	text, err := m.Text()
	require.NoError(t, err)
	assert.Contains(t, text, "Actually markup")
	assert.NotContains(t, text, "<p>")
}

func TestSetFlagGatedByMode(t *testing.T) {
	s := testStore(t, policy.Accelerated, nil)
	f := s.GetFolder("INBOX")
	seedLocal(t, f, sampleMessage("<1@example.com>", "flags"))

	msgs, err := f.loadLocal()
	require.NoError(t, err)
	m := msgs[0]

	s.SetMode(policy.Offline)
	err = m.SetFlag(types.FlagSeen, true)
	assert.True(t, mailerr.Is(err, mailerr.KindPolicyViolation))

	s.SetMode(policy.Accelerated)
	require.NoError(t, m.SetFlag(types.FlagSeen, true))
	assert.True(t, m.HasFlag(types.FlagSeen))

	err = m.SetFlag(types.FlagDeleted, true)
	assert.True(t, mailerr.Is(err, mailerr.KindPolicyViolation))

	s.SetMode(policy.Destructive)
	require.NoError(t, m.SetFlag(types.FlagDeleted, true))
	assert.True(t, m.HasFlag(types.FlagDeleted))
}

func TestSetFlagPersists(t *testing.T) {
	s := testStore(t, policy.Accelerated, nil)
	f := s.GetFolder("INBOX")
	seedLocal(t, f, sampleMessage("<1@example.com>", "flags"))

	msgs, err := f.loadLocal()
	require.NoError(t, err)
	require.NoError(t, msgs[0].SetFlag(types.UserFlagPrefix+"todo", true))

	reload, err := f.loadLocal()
	require.NoError(t, err)
	assert.True(t, reload[0].HasFlag(types.UserFlagPrefix+"todo"))

	require.NoError(t, msgs[0].SetFlag(types.UserFlagPrefix+"todo", false))
	reload, err = f.loadLocal()
	require.NoError(t, err)
	assert.False(t, reload[0].HasFlag(types.UserFlagPrefix+"todo"))
}

func TestSetFlagMirrorsToRemote(t *testing.T) {
	remote := sampleMessage("<r@example.com>", "mirrored")
	r := newFakeResolver("INBOX")
	r.put("INBOX", remote)

	s := testStore(t, policy.Online, r)
	f := s.GetFolder("INBOX")
	require.NoError(t, f.Open(false))
	msgs, err := f.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, msgs[0].SetFlag(types.FlagAnswered, true))
	assert.True(t, hasFlag(remote, types.FlagAnswered))
}

func TestSetFlagOnlineAbortsWhenRemoteFails(t *testing.T) {
	r := newFakeResolver("INBOX")
	r.put("INBOX", sampleMessage("<r@example.com>", "strict"))

	s := testStore(t, policy.Online, r)
	f := s.GetFolder("INBOX")
	require.NoError(t, f.Open(false))
	msgs, err := f.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	r.fail = true
	err = msgs[0].SetFlag(types.FlagSeen, true)
	assert.True(t, mailerr.Is(err, mailerr.KindRemoteUnavailable))
	assert.False(t, msgs[0].HasFlag(types.FlagSeen))
}

func TestAttachmentsCachedAndListed(t *testing.T) {
	msg := sampleMessage("<a@example.com>", "with attachment")
	msg.Attachments = []types.Attachment{
		{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("attachment payload")},
	}

	s := testStore(t, policy.Accelerated, nil)
	f := s.GetFolder("INBOX")
	require.NoError(t, f.Open(false))
	_, err := f.Append([]*types.MessageData{msg})
	require.NoError(t, err)

	msgs, err := f.loadLocal()
	require.NoError(t, err)
	m := msgs[0]

	names, err := m.Attachments()
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, names)

	data, err := m.Attachment("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("attachment payload"), data)

	text, err := m.AttachmentText("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "attachment payload", text)

	// Extraction is memoized but never listed as an attachment.
	names, err = m.Attachments()
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, names)
}

func TestMessageExtras(t *testing.T) {
	s := testStore(t, policy.Accelerated, nil)
	f := s.GetFolder("INBOX")
	seedLocal(t, f, sampleMessage("<1@example.com>", "annotated"))

	msgs, err := f.loadLocal()
	require.NoError(t, err)
	m := msgs[0]

	require.NoError(t, m.AttachExtra("audit.json", []byte(`{"ok":true}`)))
	names, err := m.Extras()
	require.NoError(t, err)
	assert.Equal(t, []string{"audit.json"}, names)

	// Extras never leak into the attachment listing.
	atts, err := m.Attachments()
	require.NoError(t, err)
	assert.Empty(t, atts)
}

func TestRawRebuiltFromParsedFields(t *testing.T) {
	msg := sampleMessage("<raw@example.com>", "rebuild me")
	raw, err := buildRaw(msg)
	require.NoError(t, err)
	s := string(raw)
	assert.Contains(t, s, "Subject: rebuild me")
	assert.Contains(t, s, "<raw@example.com>")
	assert.Contains(t, s, "body of rebuild me")
}

func TestCacheMissResolvesRemotelyByIdentity(t *testing.T) {
	remote := sampleMessage("<miss@example.com>", "resolved")
	r := newFakeResolver("INBOX")
	r.put("INBOX", remote)

	s := testStore(t, policy.Accelerated, r)
	f := s.GetFolder("INBOX")
	require.NoError(t, f.EnsureLocal())
	require.NoError(t, f.Open(false))

	// A skeleton directory with metadata but no content files.
	dir := filepath.Join(f.messagesDir(), layout.MessageDirName(remote.SentDate, remote.Subject))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, layout.WriteProperties(filepath.Join(dir, layout.PropertiesFile), map[string]string{
		layout.KeyMessageID: "<miss@example.com>",
		layout.KeySubject:   "resolved",
		layout.KeyHasText:   "true",
	}))

	m := newMessageFromCache(f, dir)
	text, err := m.Text()
	require.NoError(t, err)
	assert.Equal(t, "body of resolved", text)
}

func TestCacheMissStaysLocalOffline(t *testing.T) {
	s := testStore(t, policy.Offline, nil)
	f := s.GetFolder("INBOX")
	require.NoError(t, f.EnsureLocal())

	dir := filepath.Join(f.messagesDir(), "2024-03-15_ghost")
	require.NoError(t, os.MkdirAll(dir, 0755))

	m := newMessageFromCache(f, dir)
	assert.Empty(t, m.Subject())
	assert.Equal(t, "", m.ID())
}
