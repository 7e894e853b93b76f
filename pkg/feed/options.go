package feed

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	InitialBatchSize  int
	LoadMoreBatchSize int
	Debounce          time.Duration
	ScrollThreshold   float64 // px from top that triggers a backward fetch
	MatchTolerance    time.Duration

	Sender       Sender
	StatusWriter StatusWriter
	Observer     Observer
	Logger       *zap.Logger

	// OnChange runs after every committed mutation, without the feed lock held.
	OnChange func()

	Now   func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.InitialBatchSize <= 0 {
		o.InitialBatchSize = 50
	}
	if o.LoadMoreBatchSize <= 0 {
		o.LoadMoreBatchSize = 30
	}
	if o.Debounce <= 0 {
		o.Debounce = 200 * time.Millisecond
	}
	if o.ScrollThreshold <= 0 {
		o.ScrollThreshold = 100
	}
	if o.MatchTolerance <= 0 {
		o.MatchTolerance = 30 * time.Second
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}
