package bridge

import (
	"sync"

	"github.com/lzyats/im-feed/pkg/feed"
)

// Geometry is the rendered list as last reported by the client. Item boxes
// are relative to the viewport top, top to bottom.
type Geometry struct {
	ScrollTop float64        `json:"scroll_top"`
	Items     []feed.ItemBox `json:"items"`
}

// RemoteViewport implements feed.Viewport over the geometry a websocket client
// reports. Scrolls requested by the feed are applied to the local copy and
// queued for the client as one accumulated delta.
type RemoteViewport struct {
	mu      sync.Mutex
	top     float64
	items   []feed.ItemBox
	pending float64
	dirty   bool
	signal  func()
}

func NewRemoteViewport(signal func()) *RemoteViewport {
	return &RemoteViewport{signal: signal}
}

// Update replaces the geometry. A scroll not yet taken by the writer is kept.
func (v *RemoteViewport) Update(g Geometry) {
	v.mu.Lock()
	v.top = g.ScrollTop
	v.items = append(v.items[:0], g.Items...)
	v.mu.Unlock()
}

func (v *RemoteViewport) FirstVisibleItem() (string, float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := feed.FirstVisible(v.items)
	return b.ID, b.Top, ok
}

func (v *RemoteViewport) ItemOffset(id string) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range v.items {
		if b.ID == id {
			return b.Top, true
		}
	}
	return 0, false
}

func (v *RemoteViewport) ScrollTop() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.top
}

func (v *RemoteViewport) ScrollBy(delta float64) {
	v.mu.Lock()
	v.top += delta
	for i := range v.items {
		v.items[i].Top -= delta
		v.items[i].Bottom -= delta
	}
	v.pending += delta
	v.dirty = true
	v.mu.Unlock()
	if v.signal != nil {
		v.signal()
	}
}

// TakeScroll returns the scroll accumulated since the last call.
func (v *RemoteViewport) TakeScroll() (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.pending, v.dirty
	v.pending, v.dirty = 0, false
	return d, ok
}

var _ feed.Viewport = (*RemoteViewport)(nil)
