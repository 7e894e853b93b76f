package realtime

import (
	"context"
	"sync"

	"github.com/lzyats/im-feed/pkg/event"
	"github.com/lzyats/im-feed/pkg/feed"
)

// Hub fans live events of a conversation out to the feeds open on it in this
// process. It is the feed.Subscriber used with the RocketMQ transport.
type Hub struct {
	mu    sync.RWMutex
	next  uint64
	convs map[string]map[uint64]feed.Handlers
}

func NewHub() *Hub {
	return &Hub{convs: make(map[string]map[uint64]feed.Handlers)}
}

func (h *Hub) Subscribe(_ context.Context, convID string, hd feed.Handlers) (func(), error) {
	if convID == "" {
		return nil, feed.ErrInvalidArgument
	}
	h.mu.Lock()
	h.next++
	id := h.next
	subs, ok := h.convs[convID]
	if !ok {
		subs = make(map[uint64]feed.Handlers)
		h.convs[convID] = subs
	}
	subs[id] = hd
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.del(convID, id) })
	}, nil
}

func (h *Hub) del(convID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.convs[convID]
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.convs, convID)
	}
}

// Dispatch delivers evt to every subscriber of its conversation and returns
// how many there were. Handlers run on the caller's goroutine, outside the lock.
func (h *Hub) Dispatch(evt *event.FeedEvent) int {
	subs := h.handlers(evt.ConvID)
	for _, hd := range subs {
		event.Dispatch(evt, hd)
	}
	return len(subs)
}

// Fail reports err to every subscriber, e.g. when the consumer stops.
func (h *Hub) Fail(err error) {
	h.mu.RLock()
	var all []feed.Handlers
	for _, subs := range h.convs {
		for _, hd := range subs {
			all = append(all, hd)
		}
	}
	h.mu.RUnlock()
	for _, hd := range all {
		if hd.OnError != nil {
			hd.OnError(err)
		}
	}
}

func (h *Hub) handlers(convID string) []feed.Handlers {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.convs[convID]
	out := make([]feed.Handlers, 0, len(subs))
	for _, hd := range subs {
		out = append(out, hd)
	}
	return out
}

// Len is the number of conversations with at least one subscriber.
func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.convs)
	h.mu.RUnlock()
	return n
}
