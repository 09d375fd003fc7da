// Package tracker implements supersede-and-cancel bookkeeping: for every
// (connection, method, context) key at most one request is active.
//
// A Tracker is not safe for concurrent use; it belongs to the router's
// goroutine.
package tracker

// Key groups requests that supersede each other
type Key struct {
	Conn    string
	Method  string
	Context string
}

// Tracker maps keys to their latest active request id
type Tracker struct {
	active map[Key]uint64
	keys   map[uint64]Key
}

// New returns an empty Tracker
func New() *Tracker {
	return &Tracker{
		active: make(map[Key]uint64),
		keys:   make(map[uint64]Key),
	}
}

// Admit makes id the active request for its key. If another request was
// active under the same key it is returned for cancellation and forgotten.
func (t *Tracker) Admit(conn, method, context string, id uint64) (prior uint64, superseded bool) {
	k := Key{Conn: conn, Method: method, Context: context}
	if old, ok := t.active[k]; ok && old != id {
		delete(t.keys, old)
		prior, superseded = old, true
	}
	t.active[k] = id
	t.keys[id] = k
	return prior, superseded
}

// Active returns the request currently active for a key
func (t *Tracker) Active(conn, method, context string) (uint64, bool) {
	id, ok := t.active[Key{Conn: conn, Method: method, Context: context}]
	return id, ok
}

// IsActive reports whether id is still the active request of its key
func (t *Tracker) IsActive(id uint64) bool {
	_, ok := t.keys[id]
	return ok
}

// Release forgets a finished request. A key that has since moved on to a
// newer request is left alone.
func (t *Tracker) Release(id uint64) {
	k, ok := t.keys[id]
	if !ok {
		return
	}
	delete(t.keys, id)
	if t.active[k] == id {
		delete(t.active, k)
	}
}

// Forget drops every key of a connection and returns the ids that were
// still active.
func (t *Tracker) Forget(conn string) []uint64 {
	var ids []uint64
	for k, id := range t.active {
		if k.Conn != conn {
			continue
		}
		ids = append(ids, id)
		delete(t.active, k)
		delete(t.keys, id)
	}
	return ids
}

// Len returns the number of active keys
func (t *Tracker) Len() int { return len(t.active) }
