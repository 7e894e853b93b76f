package feed

import "time"

// BackwardPager decides when an older page may be fetched. It keeps at most
// one fetch in flight and debounces triggers.
type BackwardPager struct {
	batchSize int
	debounce  time.Duration
	now       func() time.Time

	inFlight    bool
	hasMore     bool
	lastTrigger time.Time
}

func NewBackwardPager(batchSize int, debounce time.Duration, now func() time.Time) *BackwardPager {
	if now == nil {
		now = time.Now
	}
	return &BackwardPager{batchSize: batchSize, debounce: debounce, now: now}
}

// Reset starts a new conversation.
func (p *BackwardPager) Reset(hasMore bool) {
	p.inFlight = false
	p.hasMore = hasMore
	p.lastTrigger = time.Time{}
}

func (p *BackwardPager) HasMore() bool { return p.hasMore }
func (p *BackwardPager) InFlight() bool { return p.inFlight }
func (p *BackwardPager) BatchSize() int { return p.batchSize }

// TryBegin marks a fetch in flight if none of the guards apply: a fetch is
// already running, nothing older remains, nothing is loaded, or the last
// accepted trigger is inside the debounce window.
func (p *BackwardPager) TryBegin(cursorSet bool) bool {
	if p.inFlight || !p.hasMore || !cursorSet {
		return false
	}
	now := p.now()
	if !p.lastTrigger.IsZero() && now.Sub(p.lastTrigger) < p.debounce {
		return false
	}
	p.inFlight = true
	p.lastTrigger = now
	return true
}

// Finish clears the in-flight flag. A short page ends pagination; an error
// leaves hasMore unchanged so the user can retry.
func (p *BackwardPager) Finish(rows int, err error) {
	p.inFlight = false
	if err == nil && rows < p.batchSize {
		p.hasMore = false
	}
}
