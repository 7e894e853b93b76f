package breaker

import (
	"sync"
	"time"
)

// Breaker is a circuit breaker per key (e.g. live transport or MQ topic).
// When failures reach Threshold within Window the key opens for OpenFor.
// A success resets the key.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time

	state map[string]*st
}

type st struct {
	failCount int
	firstFail time.Time
	openUntil time.Time
}

type Options struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = 5
	}
	if o.Window <= 0 {
		o.Window = 10 * time.Second
	}
	if o.OpenFor <= 0 {
		o.OpenFor = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func New(opt Options) *Breaker {
	opt = opt.withDefaults()
	return &Breaker{
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		now:       opt.Now,
		state:     make(map[string]*st),
	}
}

func (b *Breaker) Allow(key string) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok {
		return true
	}
	return s.openUntil.IsZero() || !now.Before(s.openUntil)
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, key)
}

// Failure records a failure and reports whether this call opened the key.
func (b *Breaker) Failure(key string) (opened bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok {
		s = &st{}
		b.state[key] = s
	}

	if !s.openUntil.IsZero() {
		if now.Before(s.openUntil) {
			return false
		}
		// the trial call after OpenFor failed
		s.openUntil = now.Add(b.openFor)
		return true
	}

	// window expired (or first failure): start counting again
	if s.failCount == 0 || now.Sub(s.firstFail) > b.window {
		s.failCount = 0
		s.firstFail = now
	}

	s.failCount++
	if s.failCount >= b.threshold {
		s.openUntil = now.Add(b.openFor)
		return true
	}
	return false
}
