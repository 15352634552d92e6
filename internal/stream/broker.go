// Package stream fans task events out to live subscribers, stitching a
// replay of the persisted log onto the live tail so a consumer always
// observes the full ordered sequence exactly once.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// subscriberBuffer is the live-tail channel depth per subscriber. A
// subscriber that falls this far behind is disconnected; it can
// resubscribe from its last seen index and replay catches it up.
const subscriberBuffer = 64

type subscriber struct {
	taskID uuid.UUID
	live   chan domain.TaskEvent
	once   sync.Once
}

func (s *subscriber) drop() {
	s.once.Do(func() { close(s.live) })
}

// Broker is the in-process pub/sub hub for task events. The orchestrator
// publishes every event after it is persisted; subscribers receive a
// replay of the stored log followed by the live tail.
type Broker struct {
	events store.TaskEventStore
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

// NewBroker creates a Broker reading replays from the given event store.
func NewBroker(events store.TaskEventStore, logger *slog.Logger) *Broker {
	return &Broker{
		events: events,
		logger: logger.With("component", "stream_broker"),
		subs:   make(map[uuid.UUID]map[*subscriber]struct{}),
	}
}

// Publish delivers an event to every live subscriber of its task. It
// never blocks: a subscriber whose buffer is full is disconnected.
func (b *Broker) Publish(event domain.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[event.TaskID] {
		select {
		case sub.live <- event:
		default:
			b.logger.Warn("disconnecting slow subscriber",
				"task_id", event.TaskID, "event_index", event.Index)
			delete(b.subs[event.TaskID], sub)
			sub.drop()
		}
	}
}

// Subscribe returns an ordered stream of the task's events starting at
// fromIndex. Stored events are replayed first, then the live tail,
// deduplicated by index. The channel closes after a terminal event,
// when ctx is canceled, or immediately if the log already ended before
// fromIndex produced anything new.
func (b *Broker) Subscribe(ctx context.Context, taskID uuid.UUID, fromIndex int64) (<-chan domain.TaskEvent, error) {
	sub := &subscriber{
		taskID: taskID,
		live:   make(chan domain.TaskEvent, subscriberBuffer),
	}

	// Register before reading the log so no event can fall between the
	// replay snapshot and the live tail.
	b.mu.Lock()
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[*subscriber]struct{})
	}
	b.subs[taskID][sub] = struct{}{}
	b.mu.Unlock()

	replay, err := b.events.ListFrom(ctx, taskID, fromIndex)
	if err != nil {
		b.unsubscribe(sub)
		return nil, err
	}

	out := make(chan domain.TaskEvent, subscriberBuffer)
	go b.run(ctx, sub, replay, fromIndex, out)
	return out, nil
}

func (b *Broker) run(ctx context.Context, sub *subscriber, replay []domain.TaskEvent, fromIndex int64, out chan<- domain.TaskEvent) {
	defer b.unsubscribe(sub)
	defer close(out)

	next := fromIndex
	for _, event := range replay {
		select {
		case out <- event:
			next = event.Index + 1
			if event.IsTerminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}

	// The log may have already ended before fromIndex, in which case no
	// live event will ever arrive.
	if ended, err := b.logEnded(ctx, sub.taskID, next); err != nil || ended {
		return
	}

	for {
		select {
		case event, open := <-sub.live:
			if !open {
				return
			}
			if event.Index < next {
				continue
			}
			select {
			case out <- event:
				next = event.Index + 1
				if event.IsTerminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// logEnded reports whether the task's log already holds a terminal
// event below next, meaning the stream is over.
func (b *Broker) logEnded(ctx context.Context, taskID uuid.UUID, next int64) (bool, error) {
	count, err := b.events.Count(ctx, taskID)
	if err != nil {
		b.logger.Error("failed to check log end", "task_id", taskID, "error", err)
		return false, err
	}
	if count == 0 || count > next {
		return false, nil
	}

	last, err := b.events.ListFrom(ctx, taskID, count-1)
	if err != nil {
		b.logger.Error("failed to read last event", "task_id", taskID, "error", err)
		return false, err
	}
	return len(last) == 1 && last[0].IsTerminal(), nil
}

func (b *Broker) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[sub.taskID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.taskID)
		}
	}
	b.mu.Unlock()
	sub.drop()
}

// SubscriberCount reports the number of live subscribers for a task.
func (b *Broker) SubscriberCount(taskID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}
