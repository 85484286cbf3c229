// Package eventbus provides small in-memory typed topics used to decouple the
// poll schedulers from their consumers.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Topic is a typed publish/subscribe registration list.
//
// Contract:
//   - Publish calls handlers synchronously, in subscription order, from a
//     snapshot taken without holding the lock during delivery.
//   - Handlers must be safe for concurrent use; Publish may run from many
//     goroutines at once.
//   - Chan subscribers are non-blocking: slow readers drop events.
type Topic[T any] struct {
	mu       sync.RWMutex
	handlers []handler[T]
	seq      atomic.Uint64
	dropped  atomic.Uint64
}

type handler[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is idempotent.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	id := t.seq.Add(1)

	t.mu.Lock()
	t.handlers = append(t.handlers, handler[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, h := range t.handlers {
				if h.id == id {
					t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Chan returns a buffered channel fed by this topic. Events are dropped when
// the channel is full. The channel is closed by unsubscribe.
func (t *Topic[T]) Chan(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsub := t.Subscribe(func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
			t.dropped.Add(1)
		}
	})
	return ch, func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}

// Publish delivers v to every current subscriber.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	hs := make([]handler[T], len(t.handlers))
	copy(hs, t.handlers)
	t.mu.RUnlock()

	for _, h := range hs {
		h.fn(v)
	}
}

// Len reports the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Dropped reports how many events Chan subscribers failed to receive.
func (t *Topic[T]) Dropped() uint64 { return t.dropped.Load() }
