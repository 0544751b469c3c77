package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/agent"
	"weave/internal/agent/ports"
	"weave/internal/bus"
	"weave/internal/llm"
	"weave/internal/task"
	"weave/internal/token"
)

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	eventBus := bus.New()
	t.Cleanup(func() { _ = eventBus.Close() })
	return eventBus
}

func testAgent(t *testing.T, id string, client ports.LLMClient, eventBus *bus.Bus) *agent.Agent {
	t.Helper()
	counter, err := token.NewCounter()
	require.NoError(t, err)
	return agent.New(id, agent.Config{}, agent.Dependencies{
		LLM:     client,
		Bus:     eventBus,
		Counter: counter,
	})
}

func TestSessionRunsTaskToCompletion(t *testing.T) {
	eventBus := testBus(t)
	client := llm.NewScriptedClient("m", llm.ScriptStep{Content: "the deploy is green"})
	s := New("s1", testAgent(t, "worker", client, eventBus), eventBus)

	tk, err := s.AddTask(context.Background(), "check the deploy")
	require.NoError(t, err)
	assert.Equal(t, "s1", tk.SessionID)

	s.Wait()
	assert.Equal(t, task.StatusCompleted, tk.CurrentStatus())
	assert.Equal(t, "the deploy is green", tk.ResultContentString())

	// The envelope trail: request in, result out.
	var types []bus.Type
	var resultPayload map[string]any
	for _, event := range eventBus.QueryByTask(tk.TaskID) {
		types = append(types, event.Type)
		if event.Type == bus.TypeTaskResult {
			resultPayload = event.Payload
		}
	}
	assert.Contains(t, types, bus.TypeTaskRequest)
	assert.Contains(t, types, bus.TypeTaskResult)
	require.NotNil(t, resultPayload)
	assert.Equal(t, "completed", resultPayload["status"])
	assert.Equal(t, "the deploy is green", resultPayload["content"])
}

func TestSessionLifecycleIsMonotonic(t *testing.T) {
	eventBus := testBus(t)
	client := llm.NewScriptedClient("m", llm.ScriptStep{Content: "x"})
	s := New("s1", testAgent(t, "worker", client, eventBus), eventBus)

	require.NoError(t, s.Pause())
	assert.Equal(t, StatePaused, s.State())

	_, err := s.AddTask(context.Background(), "rejected")
	assert.Error(t, err, "paused sessions refuse new tasks")
	assert.Error(t, s.Pause(), "pause is not re-enterable")

	require.NoError(t, s.End())
	assert.Equal(t, StateEnded, s.State())
	assert.Error(t, s.Pause(), "no transitions out of ended")
	assert.NoError(t, s.End(), "ending twice is a no-op")
}

// blockingClient parks until its context is cancelled.
type blockingClient struct {
	once    sync.Once
	started chan struct{}
}

func newBlockingClient() *blockingClient {
	return &blockingClient{started: make(chan struct{})}
}

func (c *blockingClient) Model() string { return "blocking" }

func (c *blockingClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	c.once.Do(func() { close(c.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSessionCancelAbortsInFlightTask(t *testing.T) {
	eventBus := testBus(t)
	client := newBlockingClient()
	s := New("s1", testAgent(t, "worker", client, eventBus), eventBus)

	tk, err := s.AddTask(context.Background(), "never finishes")
	require.NoError(t, err)

	select {
	case <-client.started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never reached the provider")
	}

	assert.True(t, s.Cancel(tk.TaskID))
	s.Wait()
	assert.Equal(t, task.StatusCancelled, tk.CurrentStatus())
	assert.False(t, s.Cancel(tk.TaskID), "settled tasks are no longer cancellable")
}

func TestEndCancelsInFlightTasks(t *testing.T) {
	eventBus := testBus(t)
	client := newBlockingClient()
	s := New("s1", testAgent(t, "worker", client, eventBus), eventBus)

	tk, err := s.AddTask(context.Background(), "long haul")
	require.NoError(t, err)
	<-client.started

	require.NoError(t, s.End())
	assert.Equal(t, task.StatusCancelled, tk.CurrentStatus())
}

func TestControllerDistributesAndAggregates(t *testing.T) {
	eventBus := testBus(t)
	controller := NewController()

	clientA := llm.NewScriptedClient("m", llm.ScriptStep{Content: "alpha finished"})
	clientB := llm.NewScriptedClient("m", llm.ScriptStep{Content: "beta finished"})
	sessionA := New("a", testAgent(t, "agent-a", clientA, eventBus), eventBus)
	sessionB := New("b", testAgent(t, "agent-b", clientB, eventBus), eventBus)
	require.NoError(t, controller.Register(sessionA))
	require.NoError(t, controller.Register(sessionB))
	assert.Error(t, controller.Register(sessionA), "duplicate registration rejected")

	tasks, err := controller.DistributeTask(context.Background(), "report status", nil)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	sessionA.Wait()
	sessionB.Wait()
	assert.Equal(t, "a", tasks[0].SessionID)
	assert.Equal(t, "b", tasks[1].SessionID)

	messages, err := controller.AggregateContext(context.Background(), "status", nil, 4000)
	require.NoError(t, err)
	joined := new(strings.Builder)
	for _, message := range messages {
		joined.WriteString(message.Content)
		joined.WriteString("\n")
	}
	assert.Contains(t, joined.String(), "[session a]")
	assert.Contains(t, joined.String(), "[session b]")
	assert.Contains(t, joined.String(), "alpha finished")
	assert.Contains(t, joined.String(), "beta finished")
}

func TestControllerRejectsUnknownSession(t *testing.T) {
	controller := NewController()
	_, err := controller.AggregateContext(context.Background(), "q", []string{"missing"}, 1000)
	assert.Error(t, err)

	_, err = controller.DistributeTask(context.Background(), "t", []string{"missing"})
	assert.Error(t, err)
}

func TestDistributeSkipsPausedOnBroadcast(t *testing.T) {
	eventBus := testBus(t)
	controller := NewController()

	clientA := llm.NewScriptedClient("m", llm.ScriptStep{Content: "ok"})
	clientB := llm.NewScriptedClient("m", llm.ScriptStep{Content: "ok"})
	active := New("active", testAgent(t, "agent-a", clientA, eventBus), eventBus)
	paused := New("paused", testAgent(t, "agent-b", clientB, eventBus), eventBus)
	require.NoError(t, controller.Register(active))
	require.NoError(t, controller.Register(paused))
	require.NoError(t, paused.Pause())

	tasks, err := controller.DistributeTask(context.Background(), "go", nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "active", tasks[0].SessionID)
	active.Wait()
}