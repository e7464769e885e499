package events

import (
	"context"
	"sync"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

const (
	subscriberBuffer   = 100
	defaultHistoryLen  = 500
	defaultMaxWorkflow = 1000
)

// Broadcaster keeps a bounded event history per workflow and fans events out
// to subscribers with non-blocking sends. Slow subscribers miss events
// rather than stall the engine.
type Broadcaster struct {
	mu          sync.RWMutex
	subs        map[string]map[chan *types.Event]struct{} // workflowID ("" = all) -> subscribers
	history     map[string][]*types.Event
	order       []string // workflow IDs in first-seen order, for eviction
	historyLen  int
	maxWorkflow int
}

// NewBroadcaster creates a broadcaster with default history limits.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:        make(map[string]map[chan *types.Event]struct{}),
		history:     make(map[string][]*types.Event),
		historyLen:  defaultHistoryLen,
		maxWorkflow: defaultMaxWorkflow,
	}
}

// Emit records the event and delivers it to matching subscribers.
func (b *Broadcaster) Emit(ctx context.Context, evt *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(evt)
	for _, id := range []string{evt.WorkflowID, ""} {
		for ch := range b.subs[id] {
			select {
			case ch <- evt:
			default:
				// Subscriber too slow, skip
			}
		}
	}
}

func (b *Broadcaster) record(evt *types.Event) {
	events, seen := b.history[evt.WorkflowID]
	if !seen {
		b.order = append(b.order, evt.WorkflowID)
		if len(b.order) > b.maxWorkflow {
			oldest := b.order[0]
			b.order = b.order[1:]
			delete(b.history, oldest)
		}
	}
	if len(events) >= b.historyLen {
		events = events[1:]
	}
	b.history[evt.WorkflowID] = append(events, evt)
}

// Subscribe returns a channel receiving future events for workflowID, or for
// every workflow when workflowID is empty. The cleanup function must be
// called when done; it closes the channel.
func (b *Broadcaster) Subscribe(workflowID string) (<-chan *types.Event, func()) {
	ch := make(chan *types.Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[workflowID] == nil {
		b.subs[workflowID] = make(map[chan *types.Event]struct{})
	}
	b.subs[workflowID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[workflowID], ch)
			if len(b.subs[workflowID]) == 0 {
				delete(b.subs, workflowID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cleanup
}

// Since returns recorded events for workflowID after lastEventID
// (exclusive). An empty or unknown lastEventID returns the full history.
func (b *Broadcaster) Since(workflowID, lastEventID string) []*types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.history[workflowID]
	if lastEventID != "" {
		for i, evt := range events {
			if evt.ID == lastEventID {
				events = events[i+1:]
				break
			}
		}
	}
	out := make([]*types.Event, len(events))
	copy(out, events)
	return out
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

var _ Emitter = (*Broadcaster)(nil)
