package ble

import (
	"context"
	"sync"

	"github.com/chaz8081/apdu-ble/internal/ble/session"
)

// stateFeed broadcasts state transitions with replay-one semantics: a new
// subscriber first receives the current state, then every later transition
// in order. publish blocks until each subscriber has taken the value (or
// gone away); nothing is dropped.
type stateFeed struct {
	mu     sync.Mutex
	last   session.State
	subs   map[*subscriber]struct{}
	closed bool
	done   chan struct{} // closed by close
}

type subscriber struct {
	ch   chan session.State
	gone chan struct{}
}

func newStateFeed(initial session.State) *stateFeed {
	return &stateFeed{
		last: initial,
		subs: make(map[*subscriber]struct{}),
		done: make(chan struct{}),
	}
}

// subscribe returns a channel that is closed when ctx ends or the feed closes.
func (f *stateFeed) subscribe(ctx context.Context) <-chan session.State {
	sub := &subscriber{
		ch:   make(chan session.State, 1),
		gone: make(chan struct{}),
	}

	f.mu.Lock()
	sub.ch <- f.last
	if f.closed {
		close(sub.ch)
		f.mu.Unlock()
		return sub.ch
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
			return
		}
		close(sub.gone)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[sub]; ok {
			delete(f.subs, sub)
			close(sub.ch)
		}
	}()
	return sub.ch
}

// publish records st as current and hands it to every subscriber.
func (f *stateFeed) publish(st session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.last = st
	for sub := range f.subs {
		select {
		case sub.ch <- st:
		case <-sub.gone:
		}
	}
}

// current returns the last published state.
func (f *stateFeed) current() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// close ends every subscription. The last state stays readable.
func (f *stateFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
}
