package signaling

import (
	"context"
	"sync"
)

// feed delivers items to one subscriber in push order without ever blocking
// the pusher. Items queue in memory until the consumer reads them.
type feed[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
	out    chan T
}

func newFeed[T any](ctx context.Context, onClose func()) *feed[T] {
	f := &feed[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go f.pump(ctx, onClose)
	return f
}

func (f *feed[T]) push(item T) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, item)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feed[T]) pump(ctx context.Context, onClose func()) {
	defer func() {
		f.mu.Lock()
		f.closed = true
		f.queue = nil
		f.mu.Unlock()
		close(f.out)
		if onClose != nil {
			onClose()
		}
	}()

	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		item := f.queue[0]
		var zero T
		f.queue[0] = zero
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- item:
		case <-ctx.Done():
			return
		}
	}
}
