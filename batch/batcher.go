// Package batch coalesces responses per flush key over a short window.
//
// The first response for a key opens a window; later responses join it in
// arrival order until the window timer fires, or until every request with
// a response in the window has been marked complete.
// Each flush hands the accumulated responses to the Flusher in one call.
package batch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/machinefabric/quickd/logging"
	"github.com/machinefabric/quickd/wire"
)

// DefaultWindow is the batching window used when none is configured
const DefaultWindow = 10 * time.Millisecond

// Flusher receives a closed batch. It is called without the batcher's state
// lock held, one flush at a time, and must not block.
type Flusher func(key string, batch []*wire.Response)

type item struct {
	tag  uint64
	resp *wire.Response
}

type window struct {
	gen   uint64
	items []item
	done  map[uint64]struct{}
	timer *time.Timer
}

// settled reports whether every tag with a response in the window is done
func (w *window) settled() bool {
	for _, it := range w.items {
		if _, ok := w.done[it.tag]; !ok {
			return false
		}
	}
	return true
}

// Batcher accumulates responses per key
type Batcher struct {
	window time.Duration
	flush  Flusher
	logger *slog.Logger

	// flushMu serializes flushes so batches for one key leave in order.
	flushMu sync.Mutex

	mu     sync.Mutex
	open   map[string]*window
	gen    uint64
	closed bool
}

// New creates a Batcher. A non-positive window means DefaultWindow.
func New(d time.Duration, flush Flusher, logger *slog.Logger) *Batcher {
	if d <= 0 {
		d = DefaultWindow
	}
	return &Batcher{
		window: d,
		flush:  flush,
		logger: logging.NewComponentLogger(logger, "batch"),
		open:   make(map[string]*window),
	}
}

// Window returns the configured window
func (b *Batcher) Window() time.Duration { return b.window }

// Ingest appends resp to the open batch for key, opening one (and starting
// its timer) if none is open. tag identifies the request the response
// belongs to, for Drop.
func (b *Batcher) Ingest(key string, tag uint64, resp *wire.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	w, ok := b.open[key]
	if !ok {
		b.gen++
		gen := b.gen
		w = &window{gen: gen, done: make(map[uint64]struct{})}
		w.timer = time.AfterFunc(b.window, func() { b.expire(key, gen) })
		b.open[key] = w
	}
	w.items = append(w.items, item{tag: tag, resp: resp})
}

// Complete records that the request tagged tag has received every response
// it expects. The open batch for key is flushed without waiting for its
// timer once all requests with responses in it are complete; otherwise the
// timer stays armed.
func (b *Batcher) Complete(key string, tag uint64) {
	b.mu.Lock()
	w, ok := b.open[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	w.done[tag] = struct{}{}
	settled := w.settled()
	gen := w.gen
	b.mu.Unlock()
	if settled {
		b.flushKey(key, gen, true)
	}
}

// Drop removes the responses tagged tag from the open batch for key and
// reports how many were removed. A batch left empty is closed unsent.
func (b *Batcher) Drop(key string, tag uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.open[key]
	if !ok {
		return 0
	}
	kept := w.items[:0]
	for _, it := range w.items {
		if it.tag != tag {
			kept = append(kept, it)
		}
	}
	removed := len(w.items) - len(kept)
	w.items = kept
	if len(w.items) == 0 {
		w.timer.Stop()
		delete(b.open, key)
	}
	return removed
}

// Discard closes the open batch for key without sending it
func (b *Batcher) Discard(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.open[key]; ok {
		w.timer.Stop()
		delete(b.open, key)
	}
}

// Pending returns the number of responses waiting in key's open batch
func (b *Batcher) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.open[key]; ok {
		return len(w.items)
	}
	return 0
}

// Close stops every timer and discards open batches. Later Ingest calls
// are ignored.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for key, w := range b.open {
		w.timer.Stop()
		delete(b.open, key)
	}
}

func (b *Batcher) expire(key string, gen uint64) {
	b.flushKey(key, gen, false)
}

// flushKey sends key's open batch if it is still the window numbered gen.
// With settled set, a window that gained unfinished work meanwhile is kept.
func (b *Batcher) flushKey(key string, gen uint64, settled bool) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	w, ok := b.open[key]
	if !ok || w.gen != gen || (settled && !w.settled()) {
		b.mu.Unlock()
		return
	}
	w.timer.Stop()
	delete(b.open, key)
	b.mu.Unlock()

	if len(w.items) == 0 {
		return
	}
	out := make([]*wire.Response, len(w.items))
	for i, it := range w.items {
		out[i] = it.resp
	}
	b.logger.Debug("flushing batch", logging.Conn(key), logging.Int("responses", len(out)))
	b.flush(key, out)
}
