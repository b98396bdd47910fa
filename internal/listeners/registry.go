// Package listeners fans queue count changes out to UI observers.
//
// Notifications are posted in commit order and delivered in that order by one
// goroutine at a time, so a listener is never called concurrently with itself
// and never ends on a stale count. Callbacks run outside any queue lock; a
// callback that panics is recovered and logged so it cannot abort the mutation
// or starve the other listeners.
package listeners

import (
	"log/slog"
	"sort"
	"sync"
)

// Counts summarises the queue by state.
type Counts struct {
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
}

// Outstanding is the number of items still waiting for delivery ("N items pending sync").
// Dead-lettered items need manual resolution and are not counted.
func (c Counts) Outstanding() int {
	return c.Pending + c.InFlight + c.Failed
}

// Listener observes queue counts.
type Listener func(Counts)

type subscriber struct {
	fn Listener
	// since is the last broadcast sequence posted before the listener joined.
	since uint64
}

type notification struct {
	seq    uint64
	counts Counts
	// target limits delivery to one listener; zero means everyone.
	target uint64
}

// Registry holds the active listeners and the notifications not yet delivered.
type Registry struct {
	mu     sync.Mutex
	subs   map[uint64]subscriber
	nextID uint64
	seq    uint64
	outbox []notification

	flushMu sync.Mutex
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subs:   make(map[uint64]subscriber),
		logger: logger,
	}
}

// Add registers fn for notifications posted from now on and returns a function
// that removes it. Calling the returned function more than once is a no-op.
func (r *Registry) Add(fn Listener) (remove func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.addLocked(fn)
	r.mu.Unlock()
	return r.remover(id)
}

// Join registers fn like Add and queues current for fn alone, ahead of any
// later notification.
func (r *Registry) Join(fn Listener, current Counts) (remove func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.addLocked(fn)
	r.seq++
	r.outbox = append(r.outbox, notification{seq: r.seq, counts: current, target: id})
	r.subs[id] = subscriber{fn: fn, since: r.seq}
	r.mu.Unlock()
	return r.remover(id)
}

func (r *Registry) addLocked(fn Listener) uint64 {
	r.nextID++
	r.subs[r.nextID] = subscriber{fn: fn, since: r.seq}
	return r.nextID
}

func (r *Registry) remover(id uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Post queues counts for every listener registered at the time of the call.
// Callers that need commit order post while holding their own lock and Flush
// after releasing it.
func (r *Registry) Post(counts Counts) {
	r.mu.Lock()
	r.seq++
	r.outbox = append(r.outbox, notification{seq: r.seq, counts: counts})
	r.mu.Unlock()
}

// Notify posts counts and flushes.
func (r *Registry) Notify(counts Counts) {
	r.Post(counts)
	r.Flush()
}

// Flush delivers queued notifications in posting order. When another goroutine
// is already flushing, Flush returns at once and that goroutine delivers them.
// A listener that mutates the queue from its callback is therefore safe.
func (r *Registry) Flush() {
	for {
		if !r.flushMu.TryLock() {
			return
		}
		for {
			r.mu.Lock()
			batch := r.outbox
			r.outbox = nil
			r.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, n := range batch {
				r.dispatch(n)
			}
		}
		r.flushMu.Unlock()

		r.mu.Lock()
		more := len(r.outbox) > 0
		r.mu.Unlock()
		if !more {
			return
		}
	}
}

func (r *Registry) dispatch(n notification) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.subs))
	for id, s := range r.subs {
		switch {
		case n.target != 0:
			if id == n.target {
				ids = append(ids, id)
			}
		case s.since < n.seq:
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Listener, len(ids))
	for i, id := range ids {
		fns[i] = r.subs[id].fn
	}
	r.mu.Unlock()

	for _, fn := range fns {
		r.deliver(fn, n.counts)
	}
}

func (r *Registry) deliver(fn Listener, counts Counts) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("queue listener panicked", "panic", rec)
		}
	}()
	fn(counts)
}
