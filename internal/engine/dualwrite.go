package engine

import (
	"os"
	"path/filepath"

	"github.com/brandon/mailmirror/internal/event"
	"github.com/brandon/mailmirror/internal/layout"
	"github.com/brandon/mailmirror/internal/mailerr"
	"github.com/brandon/mailmirror/pkg/types"
)

// ItemResult reports the two legs of a dual-write for one message.
type ItemResult struct {
	MessageID string
	RemoteOK  bool
	LocalOK   bool
	Err       error
}

// BatchResult is the per-item outcome of a multi-target mutating operation.
type BatchResult struct {
	Items []ItemResult
}

// PartialFailure reports whether any item missed either leg.
func (r *BatchResult) PartialFailure() bool {
	for _, item := range r.Items {
		if !item.RemoteOK || !item.LocalOK {
			return true
		}
	}
	return false
}

// Failed returns the items whose error field is set.
func (r *BatchResult) Failed() []ItemResult {
	var failed []ItemResult
	for _, item := range r.Items {
		if item.Err != nil {
			failed = append(failed, item)
		}
	}
	return failed
}

// Append writes messages into this folder: remote leg first, then local
// persistence. Every input is guaranteed a stable identity header,
// synthesized when absent. After a successful remote append the message is
// re-fetched by identity so server-side normalization lands in the cache.
func (f *Folder) Append(msgs []*types.MessageData) (*BatchResult, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	caps := f.store.caps()
	if !caps.WriteAllowed {
		return nil, mailerr.PolicyViolation("folder.append", f.path)
	}

	for i, msg := range msgs {
		if msg.MessageID == "" {
			msg.MessageID = synthesizeID(msg, i+1)
		}
	}

	result := &BatchResult{}

	h, herr := f.remoteHandle(false)
	if herr != nil && !caps.BestEffortWrite() {
		return nil, herr
	}
	if herr != nil {
		f.store.logger.WithError(herr).WithField("folder", f.path).Warn("Remote unavailable, appending to cache only")
	}

	for i, msg := range msgs {
		item := ItemResult{MessageID: msg.MessageID}

		if h != nil {
			raw := msg.Raw
			if len(raw) == 0 {
				var err error
				raw, err = buildRaw(msg)
				if err != nil {
					item.Err = err
					result.Items = append(result.Items, item)
					continue
				}
				msg.Raw = raw
			}
			if err := h.Append(raw, msg.Flags, msg.SentDate); err != nil {
				if !caps.BestEffortWrite() {
					return result, mailerr.RemoteUnavailable("folder.append", f.path, err)
				}
				item.Err = mailerr.RemoteUnavailable("folder.append", f.path, err)
				f.store.logger.WithError(err).WithField("message_id", msg.MessageID).Warn("Remote append failed, keeping local copy")
			} else {
				item.RemoteOK = true
				// Read back the server's rendition so ingestion-time
				// rewrites land in the cache.
				if echo, err := h.FetchByID(msg.MessageID); err == nil && echo != nil {
					*msg = *echo
				} else {
					item.Err = mailerr.NotFound("folder.append.echo", msg.MessageID)
				}
			}
		}

		if _, err := newMessageFromRemote(f, msg, i+1, caps.OverwriteCache); err != nil {
			item.Err = err
			result.Items = append(result.Items, item)
			continue
		}
		item.LocalOK = true
		result.Items = append(result.Items, item)
	}

	f.invalidateCounts()
	return result, nil
}

// Move relocates messages into dest. The remote protocol has no native
// move, so the remote leg is copy-to-destination plus mark-source-deleted
// (label removal on label-semantics servers), with a source expunge only
// when the mode allows deletion. Locally the message directory is renamed
// from the source messages tree into the destination's; a colliding name is
// a per-item error, never a silent overwrite.
func (f *Folder) Move(msgs []*Message, dest *Folder) (*BatchResult, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	caps := f.store.caps()
	if !caps.WriteAllowed {
		return nil, mailerr.PolicyViolation("folder.move", f.path)
	}

	result := &BatchResult{}

	h, herr := f.remoteHandle(false)
	if herr != nil && !caps.BestEffortWrite() {
		return nil, herr
	}
	if herr != nil {
		f.store.logger.WithError(herr).WithField("folder", f.path).Warn("Remote unavailable, moving in cache only")
	}

	labelSemantics := f.store.resolver != nil && f.store.resolver.LabelSemantics()

	for _, msg := range msgs {
		item := ItemResult{MessageID: msg.ID()}

		if h != nil {
			err := h.Copy(msg.ID(), dest.path)
			if err == nil {
				if labelSemantics {
					err = h.RemoveLabel(msg.ID(), f.path)
				} else {
					err = h.AddFlag(msg.ID(), types.FlagDeleted)
				}
			}
			if err != nil {
				if !caps.BestEffortWrite() {
					return result, mailerr.RemoteUnavailable("folder.move", f.path, err)
				}
				item.Err = mailerr.RemoteUnavailable("folder.move", f.path, err)
				f.store.logger.WithError(err).WithField("message_id", msg.ID()).Warn("Remote move failed, relocating local copy anyway")
			} else {
				item.RemoteOK = true
			}
		}

		name := filepath.Base(msg.dir)
		target := filepath.Join(dest.messagesDir(), name)
		if _, err := os.Stat(target); err == nil {
			item.Err = mailerr.Collision("folder.move", dest.path+"/"+name)
			result.Items = append(result.Items, item)
			continue
		}
		if err := os.MkdirAll(dest.messagesDir(), 0755); err != nil {
			item.Err = err
			result.Items = append(result.Items, item)
			continue
		}
		if err := os.Rename(msg.dir, target); err != nil {
			item.Err = err
			result.Items = append(result.Items, item)
			continue
		}
		msg.dir = target
		msg.folder = dest
		item.LocalOK = true
		result.Items = append(result.Items, item)

		if f.store.idx != nil {
			if err := f.store.idx.Move(f.path, msg.ID(), dest.path); err != nil {
				f.store.logger.WithError(err).Warn("Failed to move indexed message")
			}
		}
		f.store.fire(event.Event{Source: "folder", Kind: event.MessageUpdated, Path: f.path, MessageID: msg.ID()})
		f.store.fire(event.Event{Source: "folder", Kind: event.MessageAdded, Path: dest.path, MessageID: msg.ID()})
	}

	if h != nil && caps.DeleteAllowed {
		if removed, err := h.Expunge(); err != nil {
			f.store.logger.WithError(err).WithField("folder", f.path).Warn("Source expunge after move failed")
		} else {
			// Anything the server expunged that still lives in the
			// source tree gets archived, never lost.
			for _, d := range removed {
				name := layout.MessageDirName(messageSortDate(d), d.Subject)
				if _, err := f.archiveMessageDir(name); err != nil {
					f.store.logger.WithError(err).Warn("Failed to archive expunged message")
				}
			}
		}
	}

	f.invalidateCounts()
	dest.invalidateCounts()
	return result, nil
}

// Expunge removes all DELETED-flagged messages from the remote folder and
// archives the corresponding local directories. The archived messages are
// returned; nothing is erased.
func (f *Folder) Expunge() ([]*Message, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	caps := f.store.caps()
	if !caps.DeleteAllowed {
		return nil, mailerr.PolicyViolation("folder.expunge", f.path)
	}

	doomed := make(map[string]bool)

	h, herr := f.remoteHandle(false)
	if herr == nil {
		removed, err := h.Expunge()
		if err != nil {
			if !caps.BestEffortWrite() {
				return nil, mailerr.RemoteUnavailable("folder.expunge", f.path, err)
			}
			f.store.logger.WithError(err).WithField("folder", f.path).Warn("Remote expunge failed, expunging cache only")
		}
		for _, d := range removed {
			if d.MessageID != "" {
				doomed[d.MessageID] = true
			}
		}
	} else if !caps.BestEffortWrite() {
		return nil, herr
	} else {
		f.store.logger.WithError(herr).WithField("folder", f.path).Warn("Remote unavailable, expunging cache only")
	}

	// Union with locally DELETED-flagged messages so a cache-only expunge
	// still makes progress.
	local, err := f.loadLocal()
	if err != nil {
		return nil, err
	}

	var archived []*Message
	for _, m := range local {
		if !doomed[m.ID()] && !m.HasFlag(types.FlagDeleted) {
			continue
		}
		name := filepath.Base(m.dir)
		dest, err := f.archiveMessageDir(name)
		if err != nil {
			f.store.logger.WithError(err).WithField("message_id", m.ID()).Warn("Failed to archive expunged message")
			continue
		}
		if dest != "" {
			m.dir = dest
		}
		f.store.indexRemove(f.path, m.ID())
		f.store.fire(event.Event{Source: "folder", Kind: event.MessageUpdated, Path: f.path, MessageID: m.ID()})
		archived = append(archived, m)
	}

	f.invalidateCounts()
	return archived, nil
}
