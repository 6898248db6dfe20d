package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is how many undelivered events a subscriber may lag by
// before the hub starts dropping for it.
const subscriberBuffer = 64

type subscription struct {
	filter EventFilter
	out    chan RunEvent
}

func (s *subscription) wants(e RunEvent) bool {
	f := s.filter
	switch {
	case f.RunID != "" && f.RunID != e.RunID:
		return false
	case f.WorkflowID != "" && f.WorkflowID != e.WorkflowID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type):
		return false
	}
	return true
}

// MemoryHub fans events out to in-process subscribers over buffered channels.
// Publish never blocks on a slow subscriber: the event is dropped for that
// subscriber and counted, and the subscriber can catch up from the store by
// Sequence.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Int64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*subscription]struct{})}
}

func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.out <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. ctx is only consulted at
// registration; the subscription lives until cancel is called, which may be
// called any number of times.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{filter: filter, out: make(chan RunEvent, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub.out, sync.OnceFunc(func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		close(sub.out)
	}), nil
}

// Subscribers reports the live subscription count.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped for full subscribers.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}

var _ EventHub = (*MemoryHub)(nil)
