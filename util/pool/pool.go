package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("pool closed")

type entry[T any] struct {
	value    T
	lastUsed time.Time
}

// Pool is a bounded free-list. Idle elements are handed out first, new ones are
// created while fewer than capacity exist, otherwise Get waits for a Put or Discard.
type Pool[T any] struct {
	capacity    int
	idleTimeout time.Duration
	cache       chan entry[T]
	slots       chan struct{}
	newFunc     func(ctx context.Context) (T, error)
	closeFunc   func(T)

	lock   sync.Mutex
	closed bool
}

type Option[T any] func(p *Pool[T])

// WithIdleTimeout closes elements that stayed idle longer than d instead of handing them out.
func WithIdleTimeout[T any](d time.Duration) Option[T] {
	return func(p *Pool[T]) {
		p.idleTimeout = d
	}
}

// WithClose sets the function used to release discarded or expired elements.
func WithClose[T any](closeFunc func(T)) Option[T] {
	return func(p *Pool[T]) {
		p.closeFunc = closeFunc
	}
}

func New[T any](capacity int, newFunc func(ctx context.Context) (T, error), opts ...Option[T]) *Pool[T] {
	if capacity <= 0 {
		panic(fmt.Errorf("invalid capacity %d for New Pool", capacity))
	}
	p := &Pool[T]{
		capacity:  capacity,
		cache:     make(chan entry[T], capacity),
		slots:     make(chan struct{}, capacity),
		newFunc:   newFunc,
		closeFunc: func(T) {},
	}
	for i := 0; i < capacity; i++ {
		p.slots <- struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns an idle element, a new one, or waits until one is released or ctx is done.
func (p *Pool[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		if p.isClosed() {
			return zero, ErrPoolClosed
		}
		// idle elements first
		select {
		case e := <-p.cache:
			if p.expired(e) {
				p.release(e.value)
				continue
			}
			return e.value, nil
		default:
		}
		select {
		case e := <-p.cache:
			if p.expired(e) {
				p.release(e.value)
				continue
			}
			return e.value, nil
		case <-p.slots:
			v, err := p.newFunc(ctx)
			if err != nil {
				p.slots <- struct{}{}
				return zero, err
			}
			return v, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Put returns a healthy element to the free-list.
func (p *Pool[T]) Put(v T) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		p.closeFunc(v)
		p.slots <- struct{}{}
		return
	}
	p.cache <- entry[T]{value: v, lastUsed: time.Now()}
}

// Discard closes a broken element and frees its slot so a new one can be created.
func (p *Pool[T]) Discard(v T) {
	p.release(v)
}

func (p *Pool[T]) release(v T) {
	p.closeFunc(v)
	p.slots <- struct{}{}
}

// Drain releases every idle element and returns how many were released.
func (p *Pool[T]) Drain() int {
	n := 0
	for {
		select {
		case e := <-p.cache:
			p.release(e.value)
			n++
		default:
			return n
		}
	}
}

func (p *Pool[T]) expired(e entry[T]) bool {
	return p.idleTimeout > 0 && time.Since(e.lastUsed) > p.idleTimeout
}

func (p *Pool[T]) isClosed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.closed
}

// Close releases idle elements; elements still in use are released on Put.
func (p *Pool[T]) Close() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	p.lock.Unlock()
	p.Drain()
}

func (p *Pool[T]) Cap() int {
	return p.capacity
}

// Size is the number of live elements, idle or in use.
func (p *Pool[T]) Size() int {
	return p.capacity - len(p.slots)
}

func (p *Pool[T]) Idle() int {
	return len(p.cache)
}
