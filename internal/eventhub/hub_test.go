package eventhub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comfylb/balancer/internal/backendclient"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/taskstore"
)

type stubSink struct {
	calls []model.TerminalKind
}

func (s *stubSink) OnTerminalFrame(task *model.Task, kind model.TerminalKind, message string) {
	s.calls = append(s.calls, kind)
}

func dispatchedTask(store *taskstore.Store, id, backend, promptID, clientID string) {
	store.Create(&model.Task{ID: id, ClientID: clientID, CreatedAt: time.Now()})
	store.Transition(id, model.TaskDispatching, nil)
	store.Transition(id, model.TaskDispatched, func(t *model.Task) {
		t.AssignedBackend = backend
		t.UpstreamPromptID = promptID
	})
}

func TestHandleDeliversToRegisteredSubscriberAndNotifiesSinkOnTerminal(t *testing.T) {
	store := taskstore.New(10)
	dispatchedTask(store, "a", "gpu-0", "p1", "client-1")

	sink := &stubSink{}
	hub := New(backendclient.NewSet(), store, sink)

	ch, unregister := hub.Register("client-1", "")
	defer unregister()

	hub.handle(model.Frame{Backend: "gpu-0", PromptID: "p1", Type: "execution_success"})

	select {
	case frame := <-ch:
		require.Equal(t, "execution_success", frame.Type)
	case <-time.After(time.Second):
		t.Fatal("expected frame delivered to subscriber")
	}

	require.Len(t, sink.calls, 1)
	require.Equal(t, model.TerminalSuccess, sink.calls[0])
}

func TestHandleDropsFrameForUnknownPrompt(t *testing.T) {
	store := taskstore.New(10)
	sink := &stubSink{}
	hub := New(backendclient.NewSet(), store, sink)

	hub.handle(model.Frame{Backend: "gpu-0", PromptID: "missing", Type: "execution_success"})

	require.Empty(t, sink.calls)
}

func TestHandleNonTerminalFrameDoesNotNotifySink(t *testing.T) {
	store := taskstore.New(10)
	dispatchedTask(store, "a", "gpu-0", "p1", "client-1")
	sink := &stubSink{}
	hub := New(backendclient.NewSet(), store, sink)

	ch, unregister := hub.Register("client-1", "")
	defer unregister()

	hub.handle(model.Frame{Backend: "gpu-0", PromptID: "p1", Type: "executing"})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected progress frame still delivered to the subscriber")
	}
	require.Empty(t, sink.calls, "expected no terminal notification for a progress frame")
}

func TestRegisterReplacesExistingSubscriberForSameClient(t *testing.T) {
	store := taskstore.New(10)
	hub := New(backendclient.NewSet(), store, &stubSink{})

	first, _ := hub.Register("client-1", "")
	second, unregister := hub.Register("client-1", "")
	defer unregister()

	_, ok := <-first
	require.False(t, ok, "expected the first subscriber channel to be closed when replaced")
	_ = second
}

func TestRegisterWithPromptFilterOnlyDeliversMatchingPrompt(t *testing.T) {
	store := taskstore.New(10)
	dispatchedTask(store, "a", "gpu-0", "p1", "client-1")
	dispatchedTask(store, "b", "gpu-0", "p2", "client-1")
	hub := New(backendclient.NewSet(), store, &stubSink{})

	ch, unregister := hub.Register("client-1", "p1")
	defer unregister()

	hub.handle(model.Frame{Backend: "gpu-0", PromptID: "p2", Type: "executing"})
	hub.handle(model.Frame{Backend: "gpu-0", PromptID: "p1", Type: "executing"})

	select {
	case frame := <-ch:
		require.Equal(t, "p1", frame.PromptID, "expected only the filtered prompt's frame delivered")
	case <-time.After(time.Second):
		t.Fatal("expected the matching frame delivered")
	}

	select {
	case frame := <-ch:
		t.Fatalf("expected no second frame, got %+v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliverDropsSlowSubscriber(t *testing.T) {
	store := taskstore.New(10)
	dispatchedTask(store, "a", "gpu-0", "p1", "client-1")
	hub := New(backendclient.NewSet(), store, &stubSink{})

	ch, _ := hub.Register("client-1", "")
	for i := 0; i < subscriberBuffer+1; i++ {
		hub.handle(model.Frame{Backend: "gpu-0", PromptID: "p1", Type: "executing"})
	}

	hub.subsMu.Lock()
	_, stillSubscribed := hub.subs["client-1"]
	hub.subsMu.Unlock()
	require.False(t, stillSubscribed, "expected slow subscriber to be dropped once its mailbox filled")

	drained := 0
	for range ch {
		drained++
	}
	require.True(t, drained > 0, "expected some frames to have been buffered before the drop")
}
