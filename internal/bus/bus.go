package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"weave/internal/logging"
)

// ErrTimeout is returned by RequestReply when no terminal result arrives
// within the deadline.
var ErrTimeout = fmt.Errorf("bus: request timed out")

// TaskFailedError wraps the structured error payload of a failed task
// observed by RequestReply.
type TaskFailedError struct {
	TaskID  string
	Kind    string
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed (%s): %s", e.TaskID, e.Kind, e.Message)
}

// Bus is the process-wide event fabric: publish/subscribe over a Transport
// plus a bounded, indexed history answering the query surface the agents
// depend on for observational recall.
type Bus struct {
	transport Transport
	logger    *logging.Logger

	seq atomic.Uint64

	mu      sync.Mutex
	history *history

	published *prometheus.CounterVec
	dropped   prometheus.Counter
	handlerFd prometheus.Counter
}

// Option configures a Bus.
type Option func(*busConfig)

type busConfig struct {
	historyCap int
	highWater  int
	registerer prometheus.Registerer
}

// WithHistoryCap bounds the retained event log (default 1000).
func WithHistoryCap(n int) Option {
	return func(c *busConfig) {
		if n > 0 {
			c.historyCap = n
		}
	}
}

// WithHighWater sets the per-subscription channel capacity.
func WithHighWater(n int) Option {
	return func(c *busConfig) {
		if n > 0 {
			c.highWater = n
		}
	}
}

// WithRegisterer exports bus metrics to the given Prometheus registerer.
// Without it the bus keeps metrics on a private registry, which keeps
// multiple buses in one process from colliding.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *busConfig) { c.registerer = r }
}

// New constructs a bus over an in-memory transport.
func New(opts ...Option) *Bus {
	cfg := busConfig{
		historyCap: 1000,
		highWater:  256,
		registerer: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := newBus(cfg)
	b.transport = NewMemoryTransport(
		WithHighWaterMark(cfg.highWater),
		WithDropCallback(func(Event) { b.dropped.Inc() }),
		WithErrorCallback(b.onHandlerError),
	)
	return b
}

// NewWithTransport constructs a bus over a caller-provided transport, for
// swapping in a distributed fabric. History and queries stay local.
func NewWithTransport(transport Transport, opts ...Option) *Bus {
	cfg := busConfig{historyCap: 1000, registerer: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(&cfg)
	}
	b := newBus(cfg)
	b.transport = transport
	return b
}

func newBus(cfg busConfig) *Bus {
	b := &Bus{
		logger:  logging.ForComponent("bus"),
		history: newHistory(cfg.historyCap),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published, by event type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weave",
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Droppable events shed under back-pressure.",
		}),
		handlerFd: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weave",
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Subscriber handler errors and panics.",
		}),
	}
	cfg.registerer.MustRegister(b.published, b.dropped, b.handlerFd)
	return b
}

// onHandlerError surfaces subscriber failures as node.error events so
// observers can see them, without letting one bad handler take down the
// fan-out. Failures while handling node.error itself are only logged,
// which breaks the recursion.
func (b *Bus) onHandlerError(event Event, err error) {
	b.handlerFd.Inc()
	if event.Type == TypeNodeError {
		b.logger.Error("node.error handler failed, not re-publishing: %v", err)
		return
	}
	errEvent := NewEvent(TypeNodeError, event.SourceNode)
	errEvent.TaskID = event.TaskID
	errEvent.TraceID = event.TraceID
	errEvent.Payload = map[string]any{
		"error":        err.Error(),
		"failed_event": event.EventID,
		"failed_type":  string(event.Type),
		"recoverable":  true,
	}
	if publishErr := b.Publish(errEvent); publishErr != nil {
		b.logger.Error("Failed to publish node.error: %v", publishErr)
	}
}

// Publish assigns the event its sequence number, records it in history, and
// fans it out. Seq is monotonic per bus; callers observing two events from
// one producer see them in publish order.
func (b *Bus) Publish(event Event) error {
	if event.EventID == "" {
		event = withDefaults(event)
	}
	event.Seq = b.seq.Add(1)

	b.mu.Lock()
	b.history.add(event)
	b.mu.Unlock()

	b.published.WithLabelValues(string(event.Type)).Inc()
	return b.transport.Publish(event)
}

func withDefaults(event Event) Event {
	filled := NewEvent(event.Type, event.SourceNode)
	filled.TargetNode = event.TargetNode
	filled.TaskID = event.TaskID
	filled.Action = event.Action
	filled.Payload = event.Payload
	filled.TraceID = event.TraceID
	filled.SpanID = event.SpanID
	return filled
}

// Subscribe registers a handler for events matching the selector and returns
// an unsubscribe function. Events already in history are not replayed; use
// the query surface for catch-up.
func (b *Bus) Subscribe(selector Selector, handler Handler) (func(), error) {
	return b.transport.Subscribe(selector, handler)
}

// QueryByNode returns the most recent events sourced from or targeted at the
// node, newest first.
func (b *Bus) QueryByNode(nodeID string, limit int) []Event {
	if limit <= 0 {
		limit = 50
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.queryByNode(nodeID, limit)
}

// QueryByAction returns the most recent events carrying the action, newest
// first.
func (b *Bus) QueryByAction(action string, limit int) []Event {
	if limit <= 0 {
		limit = 50
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.queryByAction(action, limit)
}

// QueryByTask returns every retained event for the task in publish order.
func (b *Bus) QueryByTask(taskID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.queryByTask(taskID)
}

// QueryRecent returns the newest events on the bus regardless of origin.
func (b *Bus) QueryRecent(limit int) []Event {
	if limit <= 0 {
		limit = 50
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.queryRecent(limit)
}

// SearchRelevant scores retained events by keyword overlap with the query
// text, best match first.
func (b *Bus) SearchRelevant(text string, limit int) []Event {
	if limit <= 0 {
		limit = 10
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.searchRelevant(text, limit)
}

// HistorySize reports the number of retained events.
func (b *Bus) HistorySize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.size()
}

// RequestReply publishes a task.request envelope and blocks until a
// task.result for the same task ID arrives, the context is cancelled, or
// the timeout elapses. While the waiter is outstanding the task's events
// are pinned in history so the correlation cannot be evicted under load.
func (b *Bus) RequestReply(ctx context.Context, request Event, timeout time.Duration) (Event, error) {
	if request.Type == "" {
		request.Type = TypeTaskRequest
	}
	if request.TaskID == "" {
		return Event{}, fmt.Errorf("bus: request_reply needs a task_id")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	taskID := request.TaskID
	b.mu.Lock()
	b.history.pin(taskID)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.history.unpin(taskID)
		b.mu.Unlock()
	}()

	replyCh := make(chan Event, 1)
	unsubscribe, err := b.Subscribe(Selector{Types: []Type{TypeTaskResult}}, func(event Event) error {
		if event.TaskID != taskID {
			return nil
		}
		select {
		case replyCh <- event:
		default:
		}
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	defer unsubscribe()

	if err := b.Publish(request); err != nil {
		return Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if failed, ok := replyFailure(reply); ok {
			return reply, failed
		}
		return reply, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("%w: task %s after %s", ErrTimeout, taskID, timeout)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// replyFailure extracts a structured failure from a task.result payload.
func replyFailure(reply Event) (error, bool) {
	status, _ := reply.Payload["status"].(string)
	if status != "failed" {
		return nil, false
	}
	failure := &TaskFailedError{TaskID: reply.TaskID, Kind: "unknown"}
	if errMap, ok := reply.Payload["error"].(map[string]any); ok {
		if kind, ok := errMap["kind"].(string); ok {
			failure.Kind = kind
		}
		if message, ok := errMap["message"].(string); ok {
			failure.Message = message
		}
	}
	return failure, true
}

// Close tears down the transport. History stays queryable.
func (b *Bus) Close() error {
	return b.transport.Close()
}
