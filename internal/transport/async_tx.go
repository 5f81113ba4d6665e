package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrAsyncTxClosed is returned by Send after Close.
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrQueueFull is wrapped by the overflow errors of the backend writers.
	ErrQueueFull = errors.New("tx queue full")
)

// AsyncTx funnels writes of T through a single goroutine. Send never
// blocks: when the buffer is full the OnDrop hook decides the error that
// is returned to the producer, so a wedged device cannot stall sessions.
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.Send(v)
//	a.Close()
type AsyncTx[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(T) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error.
	OnError func(error)
	// OnAfter is called after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its error is returned from
	// Send. If nil, the overflow is silent.
	OnDrop func() error
}

// NewAsyncTx starts the worker with a queue of buf entries.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks) *AsyncTx[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case v, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(v); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues v or returns the drop error if the queue is full.
func (a *AsyncTx[T]) Send(v T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- v:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for it to exit. Queued values that were
// not yet sent are discarded.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
