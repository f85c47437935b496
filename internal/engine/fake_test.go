package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brandon/mailmirror/pkg/types"
)

// fakeResolver is an in-memory stand-in for the remote mailbox, good enough
// to exercise the dual-write orchestration without a server.
type fakeResolver struct {
	mu      sync.Mutex
	folders map[string][]*types.MessageData
	labels  bool
	fail    bool // every call errors when set
	closed  bool
}

func newFakeResolver(folders ...string) *fakeResolver {
	r := &fakeResolver{folders: make(map[string][]*types.MessageData)}
	for _, f := range folders {
		r.folders[f] = nil
	}
	return r
}

func (r *fakeResolver) put(folder string, msgs ...*types.MessageData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folders[folder] = append(r.folders[folder], msgs...)
}

func (r *fakeResolver) Resolve(path string, readOnly bool) (types.RemoteFolder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, fmt.Errorf("connection refused")
	}
	if _, ok := r.folders[path]; !ok {
		return nil, fmt.Errorf("no such folder: %s", path)
	}
	return &fakeFolder{r: r, path: path}, nil
}

func (r *fakeResolver) FolderExists(path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return false, fmt.Errorf("connection refused")
	}
	_, ok := r.folders[path]
	return ok, nil
}

func (r *fakeResolver) ListFolders(ref string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, fmt.Errorf("connection refused")
	}
	prefix := strings.TrimSuffix(ref, "%")
	var out []string
	for f := range r.folders {
		if strings.HasPrefix(f, prefix) && !strings.Contains(strings.TrimPrefix(f, prefix), "/") {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *fakeResolver) CreateFolder(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("connection refused")
	}
	if _, ok := r.folders[path]; !ok {
		r.folders[path] = nil
	}
	return nil
}

func (r *fakeResolver) DeleteFolder(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("connection refused")
	}
	delete(r.folders, path)
	return nil
}

func (r *fakeResolver) RenameFolder(oldPath, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("connection refused")
	}
	r.folders[newPath] = r.folders[oldPath]
	delete(r.folders, oldPath)
	return nil
}

func (r *fakeResolver) LabelSemantics() bool { return r.labels }

func (r *fakeResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeFolder struct {
	r    *fakeResolver
	path string
}

func (f *fakeFolder) Path() string { return f.path }

func (f *fakeFolder) msgs() []*types.MessageData {
	return f.r.folders[f.path]
}

func (f *fakeFolder) Status() (int, int, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.fail {
		return 0, 0, fmt.Errorf("connection lost")
	}
	total := len(f.msgs())
	unseen := 0
	for _, m := range f.msgs() {
		if !hasFlag(m, types.FlagSeen) {
			unseen++
		}
	}
	return total, unseen, nil
}

func hasFlag(m *types.MessageData, flag string) bool {
	for _, fl := range m.Flags {
		if fl == flag {
			return true
		}
	}
	return false
}

func (f *fakeFolder) Fetch(start, end uint32) ([]*types.MessageData, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.fail {
		return nil, fmt.Errorf("connection lost")
	}
	all := f.msgs()
	if start == 0 && end == 0 {
		return copySnapshots(all), nil
	}
	if int(start) > len(all) {
		return nil, nil
	}
	if int(end) > len(all) {
		end = uint32(len(all))
	}
	return copySnapshots(all[start-1 : end]), nil
}

func copySnapshots(in []*types.MessageData) []*types.MessageData {
	out := make([]*types.MessageData, len(in))
	for i, m := range in {
		c := *m
		out[i] = &c
	}
	return out
}

func (f *fakeFolder) FetchByID(messageID string) (*types.MessageData, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.fail {
		return nil, fmt.Errorf("connection lost")
	}
	for _, m := range f.msgs() {
		if m.MessageID == messageID {
			c := *m
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeFolder) FindBySubjectDate(subject string, sent time.Time) (*types.MessageData, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	for _, m := range f.msgs() {
		if m.Subject == subject && m.SentDate.Truncate(time.Second).Equal(sent.Truncate(time.Second)) {
			c := *m
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeFolder) Search(term string) ([]*types.MessageData, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.fail {
		return nil, fmt.Errorf("connection lost")
	}
	needle := strings.ToLower(term)
	var hits []*types.MessageData
	for _, m := range f.msgs() {
		if strings.Contains(strings.ToLower(m.Subject), needle) ||
			strings.Contains(strings.ToLower(m.BodyText), needle) {
			c := *m
			hits = append(hits, &c)
		}
	}
	return hits, nil
}

func (f *fakeFolder) Append(raw []byte, flags []string, date time.Time) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.fail {
		return fmt.Errorf("connection lost")
	}
	// Minimal header scrape, enough for the identity echo read-back.
	msg := &types.MessageData{Flags: flags, SentDate: date, Size: int64(len(raw)), Raw: raw}
	for _, line := range strings.Split(string(raw), "\r\n") {
		if line == "" {
			break
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "message-id:"):
			msg.MessageID = strings.TrimSpace(line[len("message-id:"):])
		case strings.HasPrefix(lower, "subject:"):
			msg.Subject = strings.TrimSpace(line[len("subject:"):])
		case strings.HasPrefix(lower, "from:"):
			msg.From = strings.TrimSpace(line[len("from:"):])
		}
	}
	f.r.folders[f.path] = append(f.r.folders[f.path], msg)
	return nil
}

func (f *fakeFolder) Copy(messageID string, dest string) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.fail {
		return fmt.Errorf("connection lost")
	}
	for _, m := range f.msgs() {
		if m.MessageID == messageID {
			c := *m
			f.r.folders[dest] = append(f.r.folders[dest], &c)
			return nil
		}
	}
	return fmt.Errorf("no such message: %s", messageID)
}

func (f *fakeFolder) AddFlag(messageID string, flag string) error {
	return f.storeFlag(messageID, flag, true)
}

func (f *fakeFolder) RemoveFlag(messageID string, flag string) error {
	return f.storeFlag(messageID, flag, false)
}

func (f *fakeFolder) storeFlag(messageID, flag string, on bool) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.fail {
		return fmt.Errorf("connection lost")
	}
	for _, m := range f.msgs() {
		if m.MessageID != messageID {
			continue
		}
		if on && !hasFlag(m, flag) {
			m.Flags = append(m.Flags, flag)
		}
		if !on {
			var kept []string
			for _, fl := range m.Flags {
				if fl != flag {
					kept = append(kept, fl)
				}
			}
			m.Flags = kept
		}
		return nil
	}
	return fmt.Errorf("no such message: %s", messageID)
}

func (f *fakeFolder) RemoveLabel(messageID string, label string) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	var kept []*types.MessageData
	for _, m := range f.msgs() {
		if m.MessageID != messageID {
			kept = append(kept, m)
		}
	}
	f.r.folders[f.path] = kept
	return nil
}

func (f *fakeFolder) Expunge() ([]*types.MessageData, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.fail {
		return nil, fmt.Errorf("connection lost")
	}
	var kept []*types.MessageData
	var removed []*types.MessageData
	for _, m := range f.msgs() {
		if hasFlag(m, types.FlagDeleted) {
			c := *m
			removed = append(removed, &c)
		} else {
			kept = append(kept, m)
		}
	}
	f.r.folders[f.path] = kept
	return removed, nil
}

func (f *fakeFolder) EnsureWritable() error {
	if f.r.fail {
		return fmt.Errorf("connection lost")
	}
	return nil
}

func (f *fakeFolder) Commit() error { return nil }
func (f *fakeFolder) Close() error  { return nil }
