package stream

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/store/storetest"
)

func newBrokerFixture(t *testing.T) (*Broker, *storetest.MemEventStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := storetest.NewMemEventStore()
	return NewBroker(events, logger), events
}

func appendEvent(t *testing.T, events *storetest.MemEventStore, taskID uuid.UUID, index int64, eventType domain.EventType, payload any) domain.TaskEvent {
	t.Helper()
	event, err := domain.NewTaskEvent(taskID, index, eventType, payload)
	require.NoError(t, err)
	require.NoError(t, events.Append(context.Background(), event))
	return *event
}

func collect(t *testing.T, stream <-chan domain.TaskEvent, want int) []domain.TaskEvent {
	t.Helper()
	var got []domain.TaskEvent
	timeout := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case event, open := <-stream:
			if !open {
				t.Fatalf("stream closed after %d of %d events", len(got), want)
			}
			got = append(got, event)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), want)
		}
	}
	return got
}

func requireClosed(t *testing.T, stream <-chan domain.TaskEvent) {
	t.Helper()
	select {
	case event, open := <-stream:
		require.False(t, open, "expected closed stream, got event index %d", event.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestBroker_ReplayOfEndedLog(t *testing.T) {
	t.Parallel()

	broker, events := newBrokerFixture(t)
	taskID := uuid.New()
	appendEvent(t, events, taskID, 0, domain.EventWorkflowStarted, domain.StartPayload{Message: "m"})
	appendEvent(t, events, taskID, 1, domain.EventStepStarted, domain.StepPayload{Step: "research", Progress: 10})
	appendEvent(t, events, taskID, 2, domain.EventWorkflowComplete, domain.CompletePayload{ArtifactRef: "artifacts/x/draft.md"})

	stream, err := broker.Subscribe(context.Background(), taskID, 0)
	require.NoError(t, err)

	got := collect(t, stream, 3)
	for i, event := range got {
		assert.Equal(t, int64(i), event.Index)
	}
	assert.Equal(t, domain.EventWorkflowComplete, got[2].Type)
	requireClosed(t, stream)
}

func TestBroker_ReplayFromOffset(t *testing.T) {
	t.Parallel()

	broker, events := newBrokerFixture(t)
	taskID := uuid.New()
	appendEvent(t, events, taskID, 0, domain.EventWorkflowStarted, domain.StartPayload{Message: "m"})
	appendEvent(t, events, taskID, 1, domain.EventStepStarted, domain.StepPayload{Step: "research", Progress: 10})
	appendEvent(t, events, taskID, 2, domain.EventWorkflowComplete, domain.CompletePayload{})

	stream, err := broker.Subscribe(context.Background(), taskID, 2)
	require.NoError(t, err)

	got := collect(t, stream, 1)
	assert.Equal(t, int64(2), got[0].Index)
	requireClosed(t, stream)
}

func TestBroker_ClosesImmediatelyPastEndedLog(t *testing.T) {
	t.Parallel()

	broker, events := newBrokerFixture(t)
	taskID := uuid.New()
	appendEvent(t, events, taskID, 0, domain.EventWorkflowStarted, domain.StartPayload{Message: "m"})
	appendEvent(t, events, taskID, 1, domain.EventWorkflowCanceled, domain.CancelPayload{})

	// Everything the subscriber asked for is already behind it and the
	// log is over: no event will ever arrive.
	stream, err := broker.Subscribe(context.Background(), taskID, 2)
	require.NoError(t, err)
	requireClosed(t, stream)
}

func TestBroker_ReplayThenLiveTailDedupes(t *testing.T) {
	t.Parallel()

	broker, events := newBrokerFixture(t)
	taskID := uuid.New()
	e0 := appendEvent(t, events, taskID, 0, domain.EventWorkflowStarted, domain.StartPayload{Message: "m"})
	e1 := appendEvent(t, events, taskID, 1, domain.EventStepStarted, domain.StepPayload{Step: "compose", Progress: 30})

	stream, err := broker.Subscribe(context.Background(), taskID, 0)
	require.NoError(t, err)

	replayed := collect(t, stream, 2)
	assert.Equal(t, e0.Index, replayed[0].Index)
	assert.Equal(t, e1.Index, replayed[1].Index)

	// The publisher re-delivers an already-replayed index; the
	// subscriber must not see it twice.
	broker.Publish(e1)
	e2 := appendEvent(t, events, taskID, 2, domain.EventProgress, domain.ProgressPayload{Step: "compose", Progress: 40})
	broker.Publish(e2)
	e3 := appendEvent(t, events, taskID, 3, domain.EventWorkflowComplete, domain.CompletePayload{})
	broker.Publish(e3)

	tail := collect(t, stream, 2)
	assert.Equal(t, int64(2), tail[0].Index)
	assert.Equal(t, int64(3), tail[1].Index)
	requireClosed(t, stream)
}

func TestBroker_ContextCancelClosesStream(t *testing.T) {
	t.Parallel()

	broker, _ := newBrokerFixture(t)
	taskID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := broker.Subscribe(ctx, taskID, 0)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return broker.SubscriberCount(taskID) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	requireClosed(t, stream)

	assert.Eventually(t, func() bool {
		return broker.SubscriberCount(taskID) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBroker_SlowSubscriberIsDisconnected(t *testing.T) {
	t.Parallel()

	broker, _ := newBrokerFixture(t)
	taskID := uuid.New()

	stream, err := broker.Subscribe(context.Background(), taskID, 0)
	require.NoError(t, err)

	// Nobody reads from the stream; enough publishes overflow both the
	// forwarding buffers and the subscriber is dropped.
	for i := int64(0); i < 200; i++ {
		event, err := domain.NewTaskEvent(taskID, i, domain.EventProgress,
			domain.ProgressPayload{Step: "compose", Progress: int(i % 100)})
		require.NoError(t, err)
		broker.Publish(*event)
	}

	assert.Eventually(t, func() bool {
		return broker.SubscriberCount(taskID) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Draining what was buffered ends at a closed channel, never a block.
	for range stream {
	}
}
