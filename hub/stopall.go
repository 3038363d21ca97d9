// Package hub holds the session plumbing shared by every peripheral family:
// the stop-all broadcast and the port registry.
package hub

import "sync"

// StopAllBroadcaster fans a runtime-wide "stop everything" signal out to the
// connected peripheral sessions. Sessions subscribe at construction and
// unsubscribe at teardown; there is no ambient global registration.
type StopAllBroadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]func()
}

// NewStopAllBroadcaster returns an empty broadcaster.
func NewStopAllBroadcaster() *StopAllBroadcaster {
	return &StopAllBroadcaster{subs: make(map[int]func())}
}

// Subscribe registers fn to run on every StopAll. The returned cancel func
// removes the subscription.
func (b *StopAllBroadcaster) Subscribe(fn func()) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// StopAll invokes every subscriber. Subscribers stop their motors and silence
// sound output, bypassing their rate limiters so the stop is never dropped.
func (b *StopAllBroadcaster) StopAll() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
