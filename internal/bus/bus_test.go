package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishPreservesProducerOrder(t *testing.T) {
	b := New()
	defer b.Close()

	const total = 200
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})

	_, err := b.Subscribe(Selector{Types: []Type{TypeToolResult}}, func(event Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.Payload["n"].(int))
		if len(seen) == total {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		event := NewEvent(TypeToolResult, "node-a")
		event.Payload = map[string]any{"n": i}
		require.NoError(t, b.Publish(event))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not observe all events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seen {
		assert.Equal(t, i, n, "events observed out of publish order")
	}
}

func TestSubscriberErrorIsIsolatedAndSurfaced(t *testing.T) {
	b := New()
	defer b.Close()

	var errEvents sync.WaitGroup
	errEvents.Add(1)
	_, err := b.Subscribe(Selector{Types: []Type{TypeNodeError}}, func(event Event) error {
		assert.Equal(t, "handler boom", event.Payload["error"])
		errEvents.Done()
		return nil
	})
	require.NoError(t, err)

	_, err = b.Subscribe(Selector{Types: []Type{TypeNodeStart}}, func(Event) error {
		return fmt.Errorf("handler boom")
	})
	require.NoError(t, err)

	healthy := make(chan struct{})
	_, err = b.Subscribe(Selector{Types: []Type{TypeNodeStart}}, func(Event) error {
		close(healthy)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent(TypeNodeStart, "node-a")))

	select {
	case <-healthy:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved by failing peer")
	}

	waitDone := make(chan struct{})
	go func() { errEvents.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("handler failure was not re-published as node.error")
	}
}

func TestSubscriberPanicIsContained(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe(Selector{Types: []Type{TypeNodeStart}}, func(Event) error {
		panic("subscriber exploded")
	})
	require.NoError(t, err)

	survived := make(chan struct{})
	_, err = b.Subscribe(Selector{Types: []Type{TypeNodeComplete}}, func(Event) error {
		close(survived)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent(TypeNodeStart, "node-a")))
	require.NoError(t, b.Publish(NewEvent(TypeNodeComplete, "node-a")))

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not survive a subscriber panic")
	}
}

func TestHistoryRetentionCap(t *testing.T) {
	b := New(WithHistoryCap(10))
	defer b.Close()

	for i := 0; i < 25; i++ {
		event := NewEvent(TypeToolResult, "node-a")
		event.Payload = map[string]any{"n": i}
		require.NoError(t, b.Publish(event))
	}

	assert.Equal(t, 10, b.HistorySize())

	recent := b.QueryRecent(10)
	require.Len(t, recent, 10)
	assert.Equal(t, 24, recent[0].Payload["n"], "newest event first")
	assert.Equal(t, 15, recent[9].Payload["n"], "oldest retained event last")
}

func TestHistoryPinningSurvivesEviction(t *testing.T) {
	h := newHistory(5)

	pinned := Event{Seq: 1, Type: TypeTaskRequest, TaskID: "task-pinned", SourceNode: "a"}
	h.add(pinned)
	h.pin("task-pinned")

	for seq := uint64(2); seq <= 20; seq++ {
		h.add(Event{Seq: seq, Type: TypeToolResult, SourceNode: "a"})
	}

	events := h.queryByTask("task-pinned")
	require.Len(t, events, 1, "pinned event evicted while waiter outstanding")
	assert.Equal(t, uint64(1), events[0].Seq)

	h.unpin("task-pinned")
	h.add(Event{Seq: 21, Type: TypeToolResult, SourceNode: "a"})
	assert.LessOrEqual(t, h.size(), 5)
}

func TestQueriesByNodeActionTask(t *testing.T) {
	b := New()
	defer b.Close()

	for i := 0; i < 3; i++ {
		event := NewEvent(TypeToolCall, "node-a")
		event.TaskID = "task-1"
		event.Action = "execute"
		require.NoError(t, b.Publish(event))
	}
	other := NewEvent(TypeToolCall, "node-b")
	other.Action = "delegate"
	require.NoError(t, b.Publish(other))

	assert.Len(t, b.QueryByNode("node-a", 10), 3)
	assert.Len(t, b.QueryByNode("node-b", 10), 1)
	assert.Len(t, b.QueryByAction("execute", 10), 3)
	assert.Len(t, b.QueryByAction("delegate", 10), 1)
	assert.Len(t, b.QueryByTask("task-1"), 3)
	assert.Empty(t, b.QueryByTask("task-unknown"))
}

func TestQueryByTaskIsChronological(t *testing.T) {
	b := New()
	defer b.Close()

	for i := 0; i < 5; i++ {
		event := NewEvent(TypeToolResult, "node-a")
		event.TaskID = "task-trail"
		event.Payload = map[string]any{"n": i}
		require.NoError(t, b.Publish(event))
	}

	trail := b.QueryByTask("task-trail")
	require.Len(t, trail, 5)
	for i, event := range trail {
		assert.Equal(t, i, event.Payload["n"], "task trail reads oldest first")
	}
}

func TestQueryByNodeIncludesTargetedEvents(t *testing.T) {
	b := New()
	defer b.Close()

	event := NewEvent(TypeTaskRequest, "parent")
	event.TargetNode = "child"
	require.NoError(t, b.Publish(event))

	assert.Len(t, b.QueryByNode("child", 10), 1)
	assert.Len(t, b.QueryByNode("parent", 10), 1)
}

func TestSearchRelevantRanksByOverlap(t *testing.T) {
	b := New()
	defer b.Close()

	weak := NewEvent(TypeToolResult, "node-a")
	weak.Payload = map[string]any{"content": "compile the parser"}
	require.NoError(t, b.Publish(weak))

	strong := NewEvent(TypeToolResult, "node-a")
	strong.Payload = map[string]any{"content": "parser grammar tokens"}
	require.NoError(t, b.Publish(strong))

	noise := NewEvent(TypeToolResult, "node-a")
	noise.Payload = map[string]any{"content": "unrelated weather report"}
	require.NoError(t, b.Publish(noise))

	results := b.SearchRelevant("parser grammar", 2)
	require.Len(t, results, 2)
	assert.Equal(t, "parser grammar tokens", results[0].Payload["content"])
}

func TestRequestReplyCorrelatesByTaskID(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe(Selector{Types: []Type{TypeTaskRequest}}, func(event Event) error {
		reply := NewEvent(TypeTaskResult, "worker")
		reply.TaskID = event.TaskID
		reply.Payload = map[string]any{"status": "completed", "content": "42"}
		return b.Publish(reply)
	})
	require.NoError(t, err)

	request := NewEvent(TypeTaskRequest, "parent")
	request.TaskID = "task-rr"

	reply, err := b.RequestReply(context.Background(), request, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task-rr", reply.TaskID)
	assert.Equal(t, "42", reply.Payload["content"])
}

func TestRequestReplySurfacesTaskFailure(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe(Selector{Types: []Type{TypeTaskRequest}}, func(event Event) error {
		reply := NewEvent(TypeTaskResult, "worker")
		reply.TaskID = event.TaskID
		reply.Payload = map[string]any{
			"status": "failed",
			"error":  map[string]any{"kind": "tool_error", "message": "disk full"},
		}
		return b.Publish(reply)
	})
	require.NoError(t, err)

	request := NewEvent(TypeTaskRequest, "parent")
	request.TaskID = "task-fail"

	_, err = b.RequestReply(context.Background(), request, 5*time.Second)
	var failed *TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "tool_error", failed.Kind)
	assert.Equal(t, "disk full", failed.Message)
}

func TestRequestReplyTimesOut(t *testing.T) {
	b := New()
	defer b.Close()

	request := NewEvent(TypeTaskRequest, "parent")
	request.TaskID = "task-silent"

	_, err := b.RequestReply(context.Background(), request, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRequestReplyHonorsCancellation(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	request := NewEvent(TypeTaskRequest, "parent")
	request.TaskID = "task-cancelled"

	_, err := b.RequestReply(ctx, request, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPublishBackPressureDoesNotBlockSubscribe(t *testing.T) {
	transport := NewMemoryTransport(WithHighWaterMark(1))
	defer transport.Close()

	release := make(chan struct{})
	unsub, err := transport.Subscribe(Selector{Types: []Type{TypeToolResult}}, func(Event) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	defer unsub()
	defer close(release)

	// Saturate the stalled subscriber until a publisher parks on the
	// blocking send for a non-droppable event.
	go func() {
		for i := 0; i < 5; i++ {
			_ = transport.Publish(NewEvent(TypeToolResult, "node-a"))
		}
	}()

	subscribed := make(chan struct{})
	go func() {
		_, err := transport.Subscribe(Selector{Types: []Type{TypeNodeStart}}, func(Event) error { return nil })
		assert.NoError(t, err)
		close(subscribed)
	}()

	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled subscriber blocked an unrelated Subscribe")
	}
}

func TestSelectorMatching(t *testing.T) {
	event := NewEvent(TypeToolCall, "node-a")
	event.TargetNode = "node-b"
	event.Action = "execute"

	assert.True(t, Selector{}.Matches(event))
	assert.True(t, Selector{TargetNode: "node-b"}.Matches(event))
	assert.False(t, Selector{TargetNode: "node-c"}.Matches(event))
	assert.True(t, Selector{Types: []Type{TypeToolCall, TypeToolResult}}.Matches(event))
	assert.False(t, Selector{Types: []Type{TypeToolResult}}.Matches(event))
	assert.True(t, Selector{Action: "execute"}.Matches(event))
	assert.False(t, Selector{Action: "plan"}.Matches(event))
}

func TestDroppableClassification(t *testing.T) {
	assert.True(t, TypeNodeThinking.Droppable())
	assert.True(t, TypeEphemeralAdd.Droppable())
	assert.False(t, TypeToolResult.Droppable())
	assert.False(t, TypeTaskResult.Droppable())
	assert.False(t, TypeNodeError.Droppable())
}
