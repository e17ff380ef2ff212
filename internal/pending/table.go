// Package pending implements the pending-request table: a keyed mapping
// from RequestId to a single-shot response completion handle, with
// timeout-driven removal. See spec.md §4.4.
package pending

import (
	"sync"
	"time"

	"github.com/magnitudedev/bunnel/internal/wireproto"
)

// entry owns exactly one completion: the first of complete/timeout/drain to
// reach it wins, matching spec.md §4.4's "each id completes exactly once".
type entry struct {
	done     chan struct{}
	once     sync.Once
	timer    *time.Timer
	resp     *wireproto.Response
	resolved bool
}

// Table is the pending-request table shared by every tunnel of a server;
// ids carry their tunnel's subdomain as a prefix so Drain can select one
// tunnel's entries. All
// operations are safe for concurrent use; put/complete/drain are mutually
// exclusive with each other per spec.md §5's shared-resource policy.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty pending-request table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Put records a pending request under id and arms a timer that, after
// timeout, removes the entry and invokes onTimeout exactly once if no
// response arrived first. It returns a wait function the caller blocks on
// to observe the eventual completion (response, timeout, or drain).
func (t *Table) Put(id string, timeout time.Duration, onTimeout func()) (wait func() *wireproto.Response) {
	e := &entry{done: make(chan struct{})}

	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()

	e.timer = time.AfterFunc(timeout, func() {
		t.mu.Lock()
		cur, ok := t.entries[id]
		if ok && cur == e {
			delete(t.entries, id)
		}
		t.mu.Unlock()
		if !ok || cur != e {
			// Already completed or drained by someone else; timer callbacks
			// must tolerate the entry having been removed, per spec.md §5.
			return
		}
		if onTimeout != nil {
			onTimeout()
		}
		e.resolve(nil)
	})

	return func() *wireproto.Response {
		<-e.done
		return e.resp
	}
}

// Complete resolves the pending entry for id with resp, if one exists. A
// response carrying an unknown id is silently dropped, per spec.md §8
// invariant 3.
func (t *Table) Complete(id string, resp *wireproto.Response) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.resolve(resp)
}

// Drain completes and removes every entry matching predicate with resp. It
// is used on tunnel reap to fail every pending request owned by that
// tunnel with a 502, per spec.md §4.3's reap semantics.
func (t *Table) Drain(predicate func(id string) bool, resp *wireproto.Response) {
	t.mu.Lock()
	var matched []*entry
	for id, e := range t.entries {
		if predicate == nil || predicate(id) {
			matched = append(matched, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range matched {
		if e.timer != nil {
			e.timer.Stop()
		}
		r := resp
		e.resolve(r)
	}
}

// Len reports the number of still-pending entries, for metrics/tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (e *entry) resolve(resp *wireproto.Response) {
	e.once.Do(func() {
		e.resp = resp
		e.resolved = true
		close(e.done)
	})
}
