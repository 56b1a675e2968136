package bus

import (
	"sort"
	"strings"
	"sync"
)

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
//
// Handlers registered with Subscribe run synchronously, in registration order,
// before Publish returns. Channels registered with Watch are fed without
// blocking; a full channel drops the event. Late subscribers get no replay.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]*handlerSub
	watchers map[int]*watcher
	next     int
}

type handlerSub struct {
	namespace string
	fn        Handler
}

type watcher struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[int]*handlerSub),
		watchers: make(map[int]*watcher),
	}
}

// Publish delivers evt to every handler and watcher whose namespace is a
// prefix of evt.Kind. An empty namespace matches everything.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id, h := range b.handlers {
		if strings.HasPrefix(evt.Kind, h.namespace) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	fns := make([]Handler, len(ids))
	for i, id := range ids {
		fns[i] = b.handlers[id].fn
	}
	for _, w := range b.watchers {
		if strings.HasPrefix(evt.Kind, w.namespace) {
			select {
			case w.ch <- evt:
			default:
				// Drop event if watcher is full (non-blocking).
			}
		}
	}
	b.mu.RUnlock()

	// Handlers run outside the lock so they may subscribe or unsubscribe.
	for _, fn := range fns {
		deliver(fn, evt)
	}
}

func deliver(fn Handler, evt Event) {
	defer func() { _ = recover() }()
	fn(evt)
}

// Subscribe registers fn for events matching the namespace prefix and returns
// an unsubscribe function. Calling it more than once is harmless.
//
// fn runs on the publisher's goroutine and holds it up until it returns.
// Long work, such as a sync pass, belongs on another goroutine.
func (b *Bus) Subscribe(namespace string, fn Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = &handlerSub{namespace: namespace, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Watch returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Watch(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.watchers[id] = &watcher{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}
}
