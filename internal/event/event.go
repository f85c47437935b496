// Package event implements the change notification bus. Events are
// ephemeral and fire-and-forget; nothing here is persisted.
package event

import "sync"

// Kind classifies a change event.
type Kind int

const (
	FolderAdded Kind = iota
	FolderUpdated
	MessageAdded
	MessageUpdated
	StoreOpened
	StoreClosed
)

var kindNames = map[Kind]string{
	FolderAdded:    "folder-added",
	FolderUpdated:  "folder-updated",
	MessageAdded:   "message-added",
	MessageUpdated: "message-updated",
	StoreOpened:    "store-opened",
	StoreClosed:    "store-closed",
}

func (k Kind) String() string { return kindNames[k] }

// Event is one structured change notification.
type Event struct {
	// Source identifies the emitting component ("store", "folder", "message").
	Source string
	// Kind is the change classification.
	Kind Kind
	// Path is the affected folder path, when applicable.
	Path string
	// MessageID is the affected message identity, when applicable.
	MessageID string
}

// Listener receives change events. Notify must not block for long; dispatch
// is synchronous.
type Listener interface {
	Notify(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) Notify(e Event) { f(e) }

type entry struct {
	id       int
	listener Listener
}

// Notifier fans events out to registered listeners. Registration is
// append-mostly; dispatch iterates an immutable snapshot so a listener added
// or removed mid-fire is never observed half-applied.
type Notifier struct {
	mu      sync.Mutex
	nextID  int
	entries []entry // replaced wholesale on every mutation
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Add registers a listener and returns a handle for later removal.
func (n *Notifier) Add(l Listener) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	next := make([]entry, len(n.entries), len(n.entries)+1)
	copy(next, n.entries)
	n.entries = append(next, entry{id: n.nextID, listener: l})
	return n.nextID
}

// Remove unregisters the listener with the given handle. Unknown handles are
// ignored.
func (n *Notifier) Remove(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	next := make([]entry, 0, len(n.entries))
	for _, e := range n.entries {
		if e.id != id {
			next = append(next, e)
		}
	}
	n.entries = next
}

// Fire dispatches the event to a snapshot of the current listeners.
func (n *Notifier) Fire(e Event) {
	n.mu.Lock()
	snapshot := n.entries
	n.mu.Unlock()

	for _, entry := range snapshot {
		entry.listener.Notify(e)
	}
}

// Len returns the number of registered listeners.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}
