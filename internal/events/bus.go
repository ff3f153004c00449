package events

import (
	"fmt"
	"sync"
)

// Bus is an ordered publish/subscribe list for one message type.
//
// Publish calls every subscriber synchronously in registration order. A
// subscriber that panics is logged and skipped; the remaining subscribers
// still receive the message.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   []subscriber[T]
	nextID uint64
	logger *Logger
	name   string
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// NewBus creates a bus. name tags log lines about misbehaving subscribers.
func NewBus[T any](name string, logger *Logger) *Bus[T] {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Bus[T]{
		logger: logger.WithField("bus", name),
		name:   name,
	}
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers msg to a snapshot of the current subscribers.
func (b *Bus[T]) Publish(msg T) {
	b.mu.RLock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, msg)
	}
}

func (b *Bus[T]) deliver(s subscriber[T], msg T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(map[string]interface{}{
				"subscriber": s.id,
				"panic":      fmt.Sprint(r),
			}).Error("Subscriber panicked")
		}
	}()
	s.fn(msg)
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Clear removes every subscriber.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
