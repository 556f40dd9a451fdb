package orchestrator

import (
	"context"
	"sync"
)

// KeyedLock serializes holders of the same key in the order they called
// Lock. Different keys never contend.
type KeyedLock struct {
	mu     sync.Mutex
	queues map[string][]chan struct{}
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{queues: make(map[string][]chan struct{})}
}

// Lock waits for key and returns the function that releases it. If ctx ends
// first the caller leaves the queue and gets ctx.Err().
func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	ticket := make(chan struct{})

	l.mu.Lock()
	queue := l.queues[key]
	l.queues[key] = append(queue, ticket)
	if len(queue) == 0 {
		close(ticket)
	}
	l.mu.Unlock()

	select {
	case <-ticket:
		return l.releaser(key, ticket), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-ticket:
		// Promoted while giving up; pass the key on.
		l.mu.Unlock()
		l.release(key, ticket)
		return nil, ctx.Err()
	default:
	}
	queue = l.queues[key]
	for i, t := range queue {
		if t == ticket {
			l.queues[key] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	return nil, ctx.Err()
}

func (l *KeyedLock) releaser(key string, ticket chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, ticket) })
	}
}

func (l *KeyedLock) release(key string, ticket chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.queues[key]
	if len(queue) == 0 || queue[0] != ticket {
		return
	}
	queue = queue[1:]
	if len(queue) == 0 {
		delete(l.queues, key)
		return
	}
	l.queues[key] = queue
	close(queue[0])
}

// waiting reports how many callers hold or wait for key.
func (l *KeyedLock) waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[key])
}
