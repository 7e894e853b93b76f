package feed

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCapturing
	PhaseAwaitingData
	PhaseRestoring
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCapturing:
		return "capturing"
	case PhaseAwaitingData:
		return "awaiting_data"
	case PhaseRestoring:
		return "restoring"
	}
	return "unknown"
}

// Viewport is the rendered list as seen by the feed. Offsets are measured
// from the viewport's top edge, in pixels. The feed calls these methods with
// its lock held; implementations must not call back into the Feed.
type Viewport interface {
	// FirstVisibleItem returns the first rendered item whose bottom edge is
	// below the viewport top.
	FirstVisibleItem() (id string, offset float64, ok bool)
	ItemOffset(id string) (offset float64, ok bool)
	ScrollTop() float64
	ScrollBy(delta float64)
}

// ItemBox is the rendered geometry of one message, relative to the viewport top.
type ItemBox struct {
	ID     string  `json:"id"`
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
}

// FirstVisible scans boxes top to bottom and returns the first one that is at
// least partially visible.
func FirstVisible(boxes []ItemBox) (ItemBox, bool) {
	for _, b := range boxes {
		if b.Bottom > 0 {
			return b, true
		}
	}
	return ItemBox{}, false
}

type ScrollAnchor struct {
	MessageID string
	Offset    float64
	Phase     Phase
}

// ScrollAnchorController keeps the anchor item at the same offset across a
// prepend. The lock it holds is released only once the fetch has completed
// and the restoring render pass ran.
type ScrollAnchorController struct {
	anchor     ScrollAnchor
	viewport   Viewport
	dataReady  bool
	minVersion uint64
}

func (c *ScrollAnchorController) Phase() Phase { return c.anchor.Phase }
func (c *ScrollAnchorController) Anchor() ScrollAnchor { return c.anchor }
func (c *ScrollAnchorController) Busy() bool { return c.anchor.Phase != PhaseIdle }

// Capture records the anchor before a fetch starts.
func (c *ScrollAnchorController) Capture(vp Viewport) bool {
	c.anchor = ScrollAnchor{Phase: PhaseCapturing}
	if vp == nil {
		c.Abandon()
		return false
	}
	id, off, ok := vp.FirstVisibleItem()
	if !ok {
		c.Abandon()
		return false
	}
	c.viewport = vp
	c.anchor = ScrollAnchor{MessageID: id, Offset: off, Phase: PhaseAwaitingData}
	return true
}

// Ready notes that the fetched rows are committed as window version v. The
// restore runs on the first render pass of at least that version.
func (c *ScrollAnchorController) Ready(v uint64) {
	if c.anchor.Phase != PhaseAwaitingData {
		return
	}
	c.dataReady = true
	c.minVersion = v
}

// Restore scrolls the viewport so the anchor is back at its recorded offset.
// It reports the applied delta and whether a restore ran.
func (c *ScrollAnchorController) Restore(renderedVersion uint64) (float64, bool) {
	if c.anchor.Phase != PhaseAwaitingData || !c.dataReady || renderedVersion < c.minVersion {
		return 0, false
	}
	c.anchor.Phase = PhaseRestoring
	defer c.Abandon()

	off, ok := c.viewport.ItemOffset(c.anchor.MessageID)
	if !ok {
		return 0, false
	}
	delta := off - c.anchor.Offset
	if delta != 0 {
		c.viewport.ScrollBy(delta)
	}
	return delta, true
}

// Abandon drops the anchor without adjusting anything.
func (c *ScrollAnchorController) Abandon() {
	c.anchor = ScrollAnchor{Phase: PhaseIdle}
	c.viewport = nil
	c.dataReady = false
	c.minVersion = 0
}
