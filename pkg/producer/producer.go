package producer

import (
	"context"

	"github.com/lzyats/im-feed/pkg/event"
)

// Producer publishes live feed events. Implementations: RocketMQProducer and
// the redis store.
type Producer interface {
	Publish(ctx context.Context, evt *event.FeedEvent) error
}

type Func func(ctx context.Context, evt *event.FeedEvent) error

func (f Func) Publish(ctx context.Context, evt *event.FeedEvent) error { return f(ctx, evt) }
