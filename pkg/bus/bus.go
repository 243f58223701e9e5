package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amelia-dev/amelia/pkg/models"
)

// subscriberBuffer is the channel depth for each live subscriber. A
// subscriber that falls this far behind has its slow deliveries dropped;
// it recovers through catchup.
const subscriberBuffer = 256

// EventStore is the persistence surface the bus needs. Implemented by
// *store.Store.
type EventStore interface {
	SaveEvent(ctx context.Context, e *models.Event) error
	MaxEventSequence(ctx context.Context, workflowID string) (int64, error)
	ListEvents(ctx context.Context, workflowID string, fromSequence int64) ([]*models.Event, error)
}

// sequencer owns the sequence counter for one workflow. The mutex
// serializes assignment and persistence so concurrently emitted events can
// never claim the same sequence or persist out of order.
type sequencer struct {
	mu     sync.Mutex
	loaded bool
	next   int64
}

// subscriber is one live channel-scoped event consumer.
type subscriber struct {
	ch chan *models.Event
}

// Bus assigns sequences, persists events, and fans them out to in-process
// subscribers.
type Bus struct {
	store EventStore

	// seqs: workflow_id → *sequencer, created on first emit. Entries are
	// dropped when the workflow reaches a terminal state.
	seqs sync.Map

	subMu  sync.RWMutex
	subs   map[string]map[int64]*subscriber // channel → sub id → subscriber
	nextID int64

	onceMu sync.Mutex
	once   map[string]bool
}

// New creates a Bus backed by the given store.
func New(st EventStore) *Bus {
	return &Bus{
		store: st,
		subs:  make(map[string]map[int64]*subscriber),
		once:  make(map[string]bool),
	}
}

// Emit assigns the next sequence for the workflow, persists the event, and
// broadcasts it to the workflow's channel and the global channel. ID and
// Timestamp are filled in when empty. The event is mutated in place so the
// caller can observe the assigned sequence.
func (b *Bus) Emit(ctx context.Context, e *models.Event) error {
	if e.WorkflowID == "" {
		return fmt.Errorf("emit event: workflow id is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = models.LevelInfo
	}

	seq := b.sequencerFor(e.WorkflowID)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	if !seq.loaded {
		// First emit after startup (or after a cache reset): resume from
		// the highest persisted sequence so restarts never reuse one.
		max, err := b.store.MaxEventSequence(ctx, e.WorkflowID)
		if err != nil {
			return fmt.Errorf("load event sequence for %s: %w", e.WorkflowID, err)
		}
		seq.next = max + 1
		seq.loaded = true
	}

	e.Sequence = seq.next
	if err := b.store.SaveEvent(ctx, e); err != nil {
		// The counter is not advanced, so the sequence stays gap-free.
		return fmt.Errorf("persist event %s/%d: %w", e.WorkflowID, e.Sequence, err)
	}
	seq.next++

	b.broadcast(WorkflowChannel(e.WorkflowID), e)
	b.broadcast(GlobalChannel, e)
	return nil
}

// EmitOnce emits the event only if no prior EmitOnce used the same key.
// Used for events that must appear at most once per workflow even when the
// emitting code path is retried.
func (b *Bus) EmitOnce(ctx context.Context, key string, e *models.Event) error {
	b.onceMu.Lock()
	if b.once[e.WorkflowID+"\x00"+key] {
		b.onceMu.Unlock()
		return nil
	}
	b.once[e.WorkflowID+"\x00"+key] = true
	b.onceMu.Unlock()

	if err := b.Emit(ctx, e); err != nil {
		// Allow a retry after a failed persist.
		b.onceMu.Lock()
		delete(b.once, e.WorkflowID+"\x00"+key)
		b.onceMu.Unlock()
		return err
	}
	return nil
}

// Subscribe registers a live consumer for a channel. The returned channel
// is buffered; events are dropped when the consumer falls behind. The
// cancel function removes the subscription and closes the channel.
func (b *Bus) Subscribe(channel string) (<-chan *models.Event, func()) {
	sub := &subscriber{ch: make(chan *models.Event, subscriberBuffer)}

	b.subMu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int64]*subscriber)
	}
	b.subs[channel][id] = sub
	b.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.subMu.Lock()
			if subs, ok := b.subs[channel]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, channel)
				}
			}
			b.subMu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Replay returns a workflow's persisted events with sequence >= fromSequence.
func (b *Bus) Replay(ctx context.Context, workflowID string, fromSequence int64) ([]*models.Event, error) {
	return b.store.ListEvents(ctx, workflowID, fromSequence)
}

// Forget drops the cached sequence counter and EmitOnce markers for a
// workflow. Called when the workflow reaches a terminal state; a later
// emit reloads the counter from the store.
func (b *Bus) Forget(workflowID string) {
	b.seqs.Delete(workflowID)

	b.onceMu.Lock()
	prefix := workflowID + "\x00"
	for k := range b.once {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(b.once, k)
		}
	}
	b.onceMu.Unlock()
}

// SubscriberCount returns the number of live subscribers on a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subs[channel])
}

func (b *Bus) sequencerFor(workflowID string) *sequencer {
	if s, ok := b.seqs.Load(workflowID); ok {
		return s.(*sequencer)
	}
	s, _ := b.seqs.LoadOrStore(workflowID, &sequencer{})
	return s.(*sequencer)
}

// broadcast delivers an event to every subscriber of a channel without
// blocking. A full subscriber buffer drops the delivery; the subscriber
// recovers via Replay.
func (b *Bus) broadcast(channel string, e *models.Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- e:
		default:
			slog.Warn("Dropping event for slow subscriber",
				"channel", channel, "workflow_id", e.WorkflowID, "sequence", e.Sequence)
		}
	}
}
