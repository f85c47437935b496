package types

import "time"

// MessageData is a point-in-time snapshot of one remote message. The remote
// layer produces it, the engine persists it into the local store. A bound
// snapshot is what the engine treats as "the remote object" when the active
// mode prefers remote reads.
type MessageData struct {
	UID          uint32       `json:"uid"`
	MessageID    string       `json:"message_id"`
	Subject      string       `json:"subject"`
	From         string       `json:"from"`
	ReplyTo      string       `json:"reply_to"`
	To           []string     `json:"to"`
	Cc           []string     `json:"cc"`
	SentDate     time.Time    `json:"sent_date"`
	ReceivedDate time.Time    `json:"received_date"`
	Size         int64        `json:"size"`
	Flags        []string     `json:"flags,omitempty"`
	BodyText     string       `json:"body_text,omitempty"`
	BodyHTML     string       `json:"body_html,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Raw          []byte       `json:"-"`
}

// Attachment is one decoded MIME attachment.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Canonical flag names used throughout the engine and in flags.txt. The
// remote layer translates between these and the wire representation.
const (
	FlagSeen     = "SEEN"
	FlagAnswered = "ANSWERED"
	FlagDeleted  = "DELETED"
	FlagFlagged  = "FLAGGED"
	FlagDraft    = "DRAFT"
	FlagRecent   = "RECENT"
)

// UserFlagPrefix marks arbitrary user-defined flags in flags.txt.
const UserFlagPrefix = "USER:"

// RemoteFolder is a live handle on one folder of the remote mailbox.
// Implementations are not safe for concurrent use.
type RemoteFolder interface {
	// Path returns the /-delimited folder path this handle is bound to.
	Path() string

	// Status returns the total and unseen message counts.
	Status() (total int, unseen int, err error)

	// Fetch returns message snapshots for the 1-based sequence range
	// [start, end]. start==0 && end==0 fetches the whole folder.
	Fetch(start, end uint32) ([]*MessageData, error)

	// FetchByID looks a message up by its identity header. Returns
	// (nil, nil) when no message carries that identity.
	FetchByID(messageID string) (*MessageData, error)

	// FindBySubjectDate scans the folder for the first message matching
	// both subject and sent date. Returns (nil, nil) on no match.
	FindBySubjectDate(subject string, sent time.Time) (*MessageData, error)

	// Search returns snapshots of all messages matching the free-text term.
	Search(term string) ([]*MessageData, error)

	// Append stores a raw RFC 822 message into this folder.
	Append(raw []byte, flags []string, date time.Time) error

	// Copy copies the message with the given identity into dest.
	Copy(messageID string, dest string) error

	// AddFlag / RemoveFlag mutate one flag on the message with the given
	// identity, using canonical flag names.
	AddFlag(messageID string, flag string) error
	RemoveFlag(messageID string, flag string) error

	// RemoveLabel detaches a label-semantics message from this folder.
	// Only meaningful when the resolver reports LabelSemantics.
	RemoveLabel(messageID string, label string) error

	// Expunge permanently removes all DELETED-flagged messages and returns
	// their snapshots so the caller can archive them locally.
	Expunge() ([]*MessageData, error)

	// EnsureWritable upgrades a read-only handle to read-write.
	EnsureWritable() error

	// Commit forces a close+reopen cycle so mutations are flushed and
	// visible to subsequent reads.
	Commit() error

	Close() error
}

// Resolver hands out remote folder handles and folder-level operations.
// "Unavailable" is an error, not a panic: callers in cache-tolerant modes
// inspect the error and continue locally.
type Resolver interface {
	Resolve(path string, readOnly bool) (RemoteFolder, error)
	FolderExists(path string) (bool, error)
	ListFolders(ref string) ([]string, error)
	CreateFolder(path string) error
	DeleteFolder(path string) error
	RenameFolder(oldPath, newPath string) error

	// LabelSemantics reports whether the connected backend treats folders
	// as labels (detected heuristically from the server address).
	LabelSemantics() bool

	Close() error
}
