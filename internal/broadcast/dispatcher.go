package broadcast

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher fans values out to every registered subscriber without blocking the publisher.
// A subscriber whose buffer is full misses the value.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
	closed      bool
}

type subscriber[T any] struct {
	id     int64
	stream chan T
	done   chan struct{}
}

// NewDispatcher constructs a dispatcher whose subscriber channels hold bufferSize values.
func NewDispatcher[T any](bufferSize int) *Dispatcher[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher[T]{
		subscribers: make(map[int64]*subscriber[T]),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber. The stream is closed when ctx ends or cleanup runs.
func (d *Dispatcher[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	d.nextID++
	sub := &subscriber[T]{
		id:     d.nextID,
		stream: make(chan T, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(sub.id)
		})
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cleanup()
			case <-sub.done:
			}
		}()
	}
	return sub.stream, cleanup
}

// Publish delivers value to every subscriber with buffer space.
func (d *Dispatcher[T]) Publish(value T) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers {
		select {
		case sub.stream <- value:
		default:
		}
	}
}

// Len reports the number of live subscribers.
func (d *Dispatcher[T]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Close unregisters all subscribers and rejects new ones.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, sub := range d.subscribers {
		close(sub.done)
		close(sub.stream)
		delete(d.subscribers, id)
	}
}

func (d *Dispatcher[T]) unregister(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subscribers[id]
	if !ok {
		return
	}
	close(sub.done)
	close(sub.stream)
	delete(d.subscribers, id)
}
