package remote

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/pkg/types"
)

var wireToCanonical = map[string]string{
	imap.SeenFlag:     types.FlagSeen,
	imap.AnsweredFlag: types.FlagAnswered,
	imap.DeletedFlag:  types.FlagDeleted,
	imap.FlaggedFlag:  types.FlagFlagged,
	imap.DraftFlag:    types.FlagDraft,
	imap.RecentFlag:   types.FlagRecent,
}

var canonicalToWire = map[string]string{
	types.FlagSeen:     imap.SeenFlag,
	types.FlagAnswered: imap.AnsweredFlag,
	types.FlagDeleted:  imap.DeletedFlag,
	types.FlagFlagged:  imap.FlaggedFlag,
	types.FlagDraft:    imap.DraftFlag,
	types.FlagRecent:   imap.RecentFlag,
}

// flagsFromWire translates IMAP flags into canonical engine flag names.
// Unknown keywords become user flags.
func flagsFromWire(flags []string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if canonical, ok := wireToCanonical[f]; ok {
			out = append(out, canonical)
			continue
		}
		out = append(out, types.UserFlagPrefix+f)
	}
	return out
}

// flagsToWire translates canonical engine flag names into IMAP flags.
func flagsToWire(flags []string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if wire, ok := canonicalToWire[f]; ok {
			out = append(out, wire)
			continue
		}
		out = append(out, strings.TrimPrefix(f, types.UserFlagPrefix))
	}
	return out
}

// parseMessage parses an IMAP message into a MessageData snapshot.
func parseMessage(msg *imap.Message, logger *logrus.Logger) *types.MessageData {
	data := &types.MessageData{
		UID:          msg.Uid,
		Size:         int64(msg.Size),
		ReceivedDate: msg.InternalDate,
		Flags:        flagsFromWire(msg.Flags),
	}

	if msg.Envelope != nil {
		data.MessageID = msg.Envelope.MessageId
		data.Subject = msg.Envelope.Subject
		data.SentDate = msg.Envelope.Date

		if len(msg.Envelope.From) > 0 {
			data.From = formatAddress(msg.Envelope.From[0])
		}
		if len(msg.Envelope.ReplyTo) > 0 {
			data.ReplyTo = formatAddress(msg.Envelope.ReplyTo[0])
		}
		for _, to := range msg.Envelope.To {
			data.To = append(data.To, to.Address())
		}
		for _, cc := range msg.Envelope.Cc {
			data.Cc = append(data.Cc, cc.Address())
		}
	}

	if msg.Body != nil {
		raw := readBody(msg, logger)
		if len(raw) > 0 {
			data.Raw = raw
			env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
			if err == nil {
				data.BodyText = env.Text
				data.BodyHTML = env.HTML
				for _, att := range env.Attachments {
					data.Attachments = append(data.Attachments, types.Attachment{
						Filename:    att.FileName,
						ContentType: att.ContentType,
						Data:        att.Content,
					})
				}
			} else {
				// Not MIME, keep the raw body as text.
				data.BodyText = string(raw)
				logger.WithError(err).Debug("Failed to parse message body, using raw content")
			}
		}
	}

	return data
}

func formatAddress(addr *imap.Address) string {
	if addr.PersonalName != "" {
		return fmt.Sprintf("%s <%s>", addr.PersonalName, addr.Address())
	}
	return addr.Address()
}

// readBody extracts the RFC 822 content from whichever body section the
// server answered with.
func readBody(msg *imap.Message, logger *logrus.Logger) []byte {
	if literal, ok := msg.Body[nil]; ok {
		return readLiteral(literal, logger)
	}

	emptySection := &imap.BodySectionName{}
	if literal, ok := msg.Body[emptySection]; ok {
		return readLiteral(literal, logger)
	}

	for _, literal := range msg.Body {
		if b := readLiteral(literal, logger); len(b) > 0 {
			return b
		}
	}
	return nil
}

// readLiteral reads content from an IMAP literal and returns bytes.
func readLiteral(literal imap.Literal, logger *logrus.Logger) []byte {
	if literal == nil {
		return nil
	}
	body := make([]byte, 0, 8192)
	buf := make([]byte, 1024)
	for {
		n, err := literal.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.WithError(err).Error("Error reading literal")
			break
		}
	}
	return body
}
