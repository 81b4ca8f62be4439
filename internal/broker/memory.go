package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryMessage struct {
	member   string
	body     []byte
	priority int
	seq      int
}

// Memory is an in-process Broker used by tests and the dev profile. It keeps
// the same semantics as the durable backends: priority-then-FIFO ordering,
// dedup by key, prefetch-bounded unacked deliveries, nack-requeue.
type Memory struct {
	mu       sync.Mutex
	pending  []memoryMessage
	inFlight int
	seq      int
	prefetch int
	closed   bool
	wake     chan struct{}
}

func NewMemory(prefetch int) *Memory {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Memory{
		prefetch: prefetch,
		wake:     make(chan struct{}, 1),
	}
}

func (b *Memory) EnsureTopology(ctx context.Context) error { return nil }

func (b *Memory) Depth(ctx context.Context) (Depth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Depth{Pending: len(b.pending), InFlight: b.inFlight}, nil
}

func (b *Memory) Publish(ctx context.Context, body []byte, opts PublishOptions) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker closed")
	}

	if opts.DedupKey != "" {
		for i := range b.pending {
			if b.pending[i].member == opts.DedupKey {
				b.pending[i].body = body
				b.pending[i].priority = opts.Priority
				b.mu.Unlock()
				b.signal()
				return nil
			}
		}
	}

	b.seq++
	b.pending = append(b.pending, memoryMessage{
		member:   opts.DedupKey,
		body:     body,
		priority: opts.Priority,
		seq:      b.seq,
	})
	sort.SliceStable(b.pending, func(i, k int) bool {
		if b.pending[i].priority != b.pending[k].priority {
			return b.pending[i].priority > b.pending[k].priority
		}
		return b.pending[i].seq < b.pending[k].seq
	})
	b.mu.Unlock()

	b.signal()
	return nil
}

func (b *Memory) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Memory) Consume(ctx context.Context, fn Handler) error {
	slots := make(chan struct{}, b.prefetch)
	for i := 0; i < b.prefetch; i++ {
		slots <- struct{}{}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-slots:
			}

			msg, ok := b.pop(ctx)
			if !ok {
				return
			}
			b.dispatch(ctx, fn, msg, slots)
		}
	}()
	return nil
}

func (b *Memory) pop(ctx context.Context) (memoryMessage, bool) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return memoryMessage{}, false
		}
		if len(b.pending) > 0 {
			msg := b.pending[0]
			b.pending = b.pending[1:]
			b.inFlight++
			b.mu.Unlock()
			return msg, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return memoryMessage{}, false
		case <-b.wake:
		}
	}
}

func (b *Memory) dispatch(ctx context.Context, fn Handler, msg memoryMessage, slots chan struct{}) {
	var once sync.Once

	settle := func(requeue bool) {
		once.Do(func() {
			b.mu.Lock()
			b.inFlight--
			if requeue {
				b.pending = append([]memoryMessage{msg}, b.pending...)
			}
			b.mu.Unlock()
			slots <- struct{}{}
			if requeue {
				b.signal()
			}
		})
	}

	fn(ctx, Delivery{
		Body: msg.body,
		Ack: func() error {
			settle(false)
			return nil
		},
		Nack: func(requeue bool) error {
			settle(requeue)
			return nil
		},
	})
}

func (b *Memory) Health(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	return nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.signal()
	return nil
}
