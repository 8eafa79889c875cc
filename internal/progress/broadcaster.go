package progress

import (
	"context"
	"sync"
	"time"

	"checkforge/internal/checkpoint"
)

// Event is one transient progress notification for an item. Events are never
// persisted; checkpoint state is the source of truth after a miss.
type Event struct {
	Sequence         uint64            `json:"seq"`
	ItemID           string            `json:"item_id"`
	StageIndex       int               `json:"stage_index"`
	StageName        string            `json:"stage_name,omitempty"`
	Status           checkpoint.Status `json:"status"`
	FractionComplete float64           `json:"fraction_complete"`
	Message          string            `json:"message,omitempty"`
	Timestamp        time.Time         `json:"ts"`
}

// subscriberBuffer bounds each subscriber channel. A slow observer loses
// events rather than blocking the publisher.
const subscriberBuffer = 64

// Subscription is a live event stream handle for one item.
type Subscription struct {
	id     uint64
	itemID string
	events chan Event
}

// Events returns the subscriber's receive channel. It is closed on
// unsubscribe or broadcaster shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Broadcaster stores recent events in a bounded buffer and fans new events
// out to per-item subscribers.
type Broadcaster struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []Event
	nextSeq  uint64
	nextSub  uint64
	subs     map[string]map[uint64]*Subscription
	closed   bool
}

// NewBroadcaster constructs a broadcaster with a bounded replay window used
// only for cursor-based polling, never for retroactive delivery to channel
// subscribers.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = 512
	}
	b := &Broadcaster{
		capacity: capacity,
		subs:     make(map[string]map[uint64]*Subscription),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish delivers an event to current subscribers of its item and appends it
// to the polling buffer. Events for an item are delivered in publish order;
// a full subscriber channel drops the event.
func (b *Broadcaster) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.nextSeq++
	evt.Sequence = b.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	if len(b.buffer) == b.capacity {
		copy(b.buffer, b.buffer[1:])
		b.buffer = b.buffer[:b.capacity-1]
	}
	b.buffer = append(b.buffer, evt)

	for _, sub := range b.subs[evt.ItemID] {
		select {
		case sub.events <- evt:
		default:
		}
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Subscribe registers a live observer for one item. Events published before
// the call are not replayed.
func (b *Broadcaster) Subscribe(itemID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := &Subscription{
		id:     b.nextSub,
		itemID: itemID,
		events: make(chan Event, subscriberBuffer),
	}
	if b.closed {
		close(sub.events)
		return sub
	}
	if b.subs[itemID] == nil {
		b.subs[itemID] = make(map[uint64]*Subscription)
	}
	b.subs[itemID][sub.id] = sub
	return sub
}

// Unsubscribe removes an observer and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	group, ok := b.subs[sub.itemID]
	if !ok {
		return
	}
	if _, live := group[sub.id]; !live {
		return
	}
	delete(group, sub.id)
	if len(group) == 0 {
		delete(b.subs, sub.itemID)
	}
	close(sub.events)
}

// Fetch returns buffered events for an item with sequence greater than since.
// When wait is true, Fetch blocks until at least one matching event arrives
// or the context ends. Used by reconnecting observers polling over IPC.
func (b *Broadcaster) Fetch(ctx context.Context, itemID string, since uint64, limit int, wait bool) ([]Event, uint64, error) {
	if b == nil {
		return nil, since, nil
	}
	if limit <= 0 || limit > b.capacity {
		limit = b.capacity
	}

	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.cond.Broadcast()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		events, next := b.snapshotLocked(itemID, since, limit)
		if len(events) > 0 || !wait || b.closed {
			return events, next, contextError(ctx)
		}
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
		b.cond.Wait()
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
	}
}

// Close shuts the broadcaster down and closes every subscriber channel.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, group := range b.subs {
		for _, sub := range group {
			close(sub.events)
		}
	}
	b.subs = make(map[string]map[uint64]*Subscription)
	b.cond.Broadcast()
}

func (b *Broadcaster) snapshotLocked(itemID string, since uint64, limit int) ([]Event, uint64) {
	var out []Event
	for _, evt := range b.buffer {
		if evt.Sequence <= since {
			continue
		}
		if itemID != "" && evt.ItemID != itemID {
			continue
		}
		if len(out) == limit {
			// Truncated: the cursor stops at the last delivered event so a
			// follow-up poll picks up the matches still in the buffer.
			return out, out[len(out)-1].Sequence
		}
		out = append(out, evt)
	}
	return out, b.nextSeq
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
