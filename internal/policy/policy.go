// Package policy defines the operation modes and the capability table that
// governs remote-vs-local precedence for every engine operation.
package policy

import "fmt"

// Mode is the operation mode of a store session. It is immutable per open
// session but may be switched by the owner between operations.
type Mode int

const (
	// Offline never touches the remote server.
	Offline Mode = iota
	// Online treats the remote server as authoritative for everything.
	Online
	// Accelerated answers from the cache first and falls back to the
	// remote server on a miss.
	Accelerated
	// Destructive behaves like Accelerated but additionally permits
	// expunge and DELETED-flag mutations.
	Destructive
	// Refresh reads from the remote server and overwrites the cache with
	// whatever it finds.
	Refresh
)

var modeNames = map[Mode]string{
	Offline:     "offline",
	Online:      "online",
	Accelerated: "accelerated",
	Destructive: "destructive",
	Refresh:     "refresh",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Parse converts a configuration string into a Mode.
func Parse(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return Offline, fmt.Errorf("unknown operation mode: %q", s)
}

// Modes lists all modes, useful for exhaustive table tests.
func Modes() []Mode {
	return []Mode{Offline, Online, Accelerated, Destructive, Refresh}
}

// Capabilities are the five booleans governing one mode. Every operation in
// the engine consults exactly this structure; no operation tests a mode name
// directly.
type Capabilities struct {
	// PreferRemoteRead answers reads from the remote server when a handle
	// is bound, instead of the cache.
	PreferRemoteRead bool
	// FallbackOnMiss retries against the remote server when the cache has
	// no answer, and tolerates remote unavailability by serving the cache.
	FallbackOnMiss bool
	// SearchRemote permits remote search and remote count queries.
	SearchRemote bool
	// WriteAllowed permits append, move, create, rename and non-DELETED
	// flag changes.
	WriteAllowed bool
	// DeleteAllowed permits expunge, folder delete and the DELETED flag.
	DeleteAllowed bool
	// OverwriteCache replaces existing cache entries on remote reads.
	OverwriteCache bool
}

var table = map[Mode]Capabilities{
	Offline:     {},
	Online:      {PreferRemoteRead: true, FallbackOnMiss: true, SearchRemote: true, WriteAllowed: true},
	Accelerated: {FallbackOnMiss: true, SearchRemote: true, WriteAllowed: true},
	Destructive: {FallbackOnMiss: true, SearchRemote: true, WriteAllowed: true, DeleteAllowed: true},
	Refresh:     {PreferRemoteRead: true, FallbackOnMiss: true, SearchRemote: true, WriteAllowed: true, OverwriteCache: true},
}

// For returns the capability set of a mode.
func For(m Mode) Capabilities {
	return table[m]
}

// BestEffortWrite reports whether a mutating operation may proceed with its
// local leg even though the remote leg failed. Cache-first writable modes
// tolerate this; remote-authoritative modes require the remote leg.
func (c Capabilities) BestEffortWrite() bool {
	return c.WriteAllowed && !c.PreferRemoteRead
}
