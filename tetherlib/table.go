package tetherlib

import (
	"sync"

	"github.com/pkg/errors"
)

// requestTable holds the pending request futures keyed by correlation id.
// Settled entries are evicted immediately, so the table never holds a
// settled future.
type requestTable struct {
	mu      sync.Mutex
	entries map[string]*Future[any]
}

func newRequestTable() *requestTable {
	return &requestTable{entries: make(map[string]*Future[any])}
}

// put registers f under id. A second put for a live id fails; the first
// caller keeps its entry.
func (t *requestTable) put(id string, f *Future[any]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return errors.Wrapf(ErrDuplicateID, "request %q", id)
	}
	t.entries[id] = f
	return nil
}

// take removes and returns the entry for id.
func (t *requestTable) take(id string) (*Future[any], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return f, ok
}

// remove drops id if present.
func (t *requestTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// drain empties the table and returns the futures that were pending.
func (t *requestTable) drain() []*Future[any] {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := make([]*Future[any], 0, len(t.entries))
	for _, f := range t.entries {
		pending = append(pending, f)
	}
	t.entries = make(map[string]*Future[any])
	return pending
}

func (t *requestTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
