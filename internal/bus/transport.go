package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"weave/internal/logging"
)

// Transport routes published events to subscribers. The in-memory transport
// is the default; a distributed message-queue transport can satisfy the same
// contract. Both must preserve per-publisher ordering and deliver at least
// once; the in-memory transport additionally guarantees exactly-once local
// observation.
type Transport interface {
	// Publish routes the event to all matching subscriptions. It must not
	// block the producer below the high-water mark.
	Publish(event Event) error
	// Subscribe registers a handler for events matching the selector and
	// returns an unsubscribe function.
	Subscribe(selector Selector, handler Handler) (func(), error)
	// Close tears down the transport; further publishes fail.
	Close() error
}

// memorySubscription carries events to one handler through a bounded
// channel drained by a dedicated goroutine, giving serial-per-selector
// dispatch and concurrency across subscriptions.
type memorySubscription struct {
	selector Selector
	handler  Handler
	ch       chan Event
	done     chan struct{}
}

// MemoryTransport is the single-process transport.
type MemoryTransport struct {
	mu        sync.RWMutex
	subs      map[uint64]*memorySubscription
	nextSubID uint64
	closed    atomic.Bool
	wg        sync.WaitGroup
	logger    *logging.Logger

	highWater int
	onDrop    func(Event)
	onError   func(Event, error)
}

// MemoryTransportOption configures the in-memory transport.
type MemoryTransportOption func(*MemoryTransport)

// WithHighWaterMark sets the per-subscription channel capacity beyond which
// droppable events are shed and non-droppable publishes block.
func WithHighWaterMark(n int) MemoryTransportOption {
	return func(t *MemoryTransport) {
		if n > 0 {
			t.highWater = n
		}
	}
}

// WithDropCallback observes events shed under back-pressure.
func WithDropCallback(fn func(Event)) MemoryTransportOption {
	return func(t *MemoryTransport) { t.onDrop = fn }
}

// WithErrorCallback observes handler failures. The bus uses this to
// re-publish subscriber errors as node.error events.
func WithErrorCallback(fn func(Event, error)) MemoryTransportOption {
	return func(t *MemoryTransport) { t.onError = fn }
}

// NewMemoryTransport constructs the in-memory transport.
func NewMemoryTransport(opts ...MemoryTransportOption) *MemoryTransport {
	t := &MemoryTransport{
		subs:      make(map[uint64]*memorySubscription),
		highWater: 256,
		logger:    logging.ForComponent("bus.transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish fans the event out to matching subscriptions. The subscriber set
// is snapshotted before any send, so a stalled subscriber backing up its
// channel cannot hold the lock against Subscribe, Unsubscribe, or other
// publishers. Channel sends for one producer happen sequentially, so events
// enter each subscription channel in publish order.
func (t *MemoryTransport) Publish(event Event) error {
	if t.closed.Load() {
		return fmt.Errorf("bus: transport closed")
	}

	t.mu.RLock()
	matched := make([]*memorySubscription, 0, len(t.subs))
	for _, sub := range t.subs {
		if sub.selector.Matches(event) {
			matched = append(matched, sub)
		}
	}
	t.mu.RUnlock()

	for _, sub := range matched {
		select {
		case sub.ch <- event:
		default:
			// Channel is at the high-water mark.
			if event.Type.Droppable() {
				if t.onDrop != nil {
					t.onDrop(event)
				}
				t.logger.Debug("Dropped %s event at high-water mark", event.Type)
				continue
			}
			// Non-droppable events block until the subscriber catches up.
			select {
			case sub.ch <- event:
			case <-sub.done:
			}
		}
	}
	return nil
}

// Subscribe registers a handler; the returned function unsubscribes.
func (t *MemoryTransport) Subscribe(selector Selector, handler Handler) (func(), error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("bus: transport closed")
	}
	if handler == nil {
		return nil, fmt.Errorf("bus: nil handler")
	}

	sub := &memorySubscription{
		selector: selector,
		handler:  handler,
		ch:       make(chan Event, t.highWater),
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subs[id] = sub
	t.mu.Unlock()

	t.wg.Add(1)
	go t.drain(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

func (t *MemoryTransport) drain(sub *memorySubscription) {
	defer t.wg.Done()
	for {
		select {
		case event := <-sub.ch:
			t.dispatch(sub, event)
		case <-sub.done:
			// Flush events already queued so terminal events are observed.
			for {
				select {
				case event := <-sub.ch:
					t.dispatch(sub, event)
				default:
					return
				}
			}
		}
	}
}

func (t *MemoryTransport) dispatch(sub *memorySubscription, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("subscriber panic: %v", recovered)
			t.logger.Error("Subscriber panicked on %s: %v", event.Type, recovered)
			if t.onError != nil {
				t.onError(event, err)
			}
		}
	}()

	if err := sub.handler(event); err != nil {
		t.logger.Warn("Subscriber failed on %s: %v", event.Type, err)
		if t.onError != nil {
			t.onError(event, err)
		}
	}
}

// Close shuts down all subscriptions and waits for drains to finish.
func (t *MemoryTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	for id, sub := range t.subs {
		close(sub.done)
		delete(t.subs, id)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
