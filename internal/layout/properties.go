package layout

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Stable metadata keys persisted in message.properties. Unknown keys are
// ignored on read so the record stays extensible in both directions.
const (
	KeyMessageID    = "message.id"
	KeySubject      = "subject"
	KeyFrom         = "from"
	KeyReplyTo      = "reply.to"
	KeyTo           = "to"
	KeyCc           = "cc"
	KeySentDate     = "sent.date"
	KeyReceivedDate = "received.date"
	KeySize         = "size"
	KeyFolder       = "folder"
	KeyHasText      = "content.text"
	KeyHasHTML      = "content.html"
	KeyPreferred    = "content.preferred"
)

// WriteProperties persists a key=value metadata record. Keys are written in
// sorted order so repeated saves of the same record are byte-identical.
func WriteProperties(path string, props map[string]string) error {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		// Values are single-line by construction; fold any stray
		// newline rather than corrupting the record.
		v := strings.ReplaceAll(props[k], "\n", " ")
		v = strings.ReplaceAll(v, "\r", "")
		fmt.Fprintf(&buf, "%s=%s\n", k, v)
	}
	return atomicWrite(path, buf.Bytes())
}

// ReadProperties parses a key=value metadata record. Malformed lines are
// skipped rather than failing the whole load, so a partially corrupt record
// still yields whatever is salvageable.
func ReadProperties(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	props := make(map[string]string)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		props[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return props, err
	}
	return props, nil
}

// WriteFlags persists the flag set, one canonical flag name per line, user
// flags carrying their prefix.
func WriteFlags(path string, flags []string) error {
	sorted := append([]string(nil), flags...)
	sort.Strings(sorted)

	var buf bytes.Buffer
	for _, f := range sorted {
		buf.WriteString(f)
		buf.WriteByte('\n')
	}
	return atomicWrite(path, buf.Bytes())
}

// ReadFlags loads the persisted flag set. A missing file is an empty set.
func ReadFlags(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var flags []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			flags = append(flags, line)
		}
	}
	return flags, nil
}
