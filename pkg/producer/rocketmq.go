package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"github.com/lzyats/im-feed/pkg/event"
	"github.com/lzyats/im-feed/pkg/push"
)

type RocketMQProducer struct {
	cfg push.RocketMQSettings
	p   rmq.Producer
}

// NewRocketMQ starts a producer for the live topic. Missing settings yield
// push.ErrNotConfigured.
func NewRocketMQ(cfg push.RocketMQSettings) (*RocketMQProducer, error) {
	switch {
	case cfg.NameServer == "":
		return nil, fmt.Errorf("rocketmq name-server: %w", push.ErrNotConfigured)
	case cfg.Producer.Group == "":
		return nil, fmt.Errorf("rocketmq producer.group: %w", push.ErrNotConfigured)
	case cfg.Topic == "":
		return nil, fmt.Errorf("rocketmq topic: %w", push.ErrNotConfigured)
	}
	opts := []producer.Option{
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.Producer.Group),
		producer.WithRetry(2),
	}
	if cfg.Producer.AccessKey != "" || cfg.Producer.SecretKey != "" {
		opts = append(opts, producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.Producer.AccessKey,
			SecretKey: cfg.Producer.SecretKey,
		}))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &RocketMQProducer{cfg: cfg, p: prd}, nil
}

// Publish sends evt with the conversation id as sharding key, so events of one
// conversation stay ordered within a queue.
func (r *RocketMQProducer) Publish(ctx context.Context, evt *event.FeedEvent) error {
	m, err := r.message(evt)
	if err != nil {
		return err
	}
	_, err = r.p.SendSync(ctx, m)
	return err
}

func (r *RocketMQProducer) message(evt *event.FeedEvent) (*primitive.Message, error) {
	if evt == nil {
		return nil, push.ErrInvalidArgument
	}
	if evt.TS == 0 {
		evt.TS = time.Now().Unix()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	m := primitive.NewMessage(r.cfg.Topic, b)
	if r.cfg.Tag != "" {
		m.WithTag(r.cfg.Tag)
	}
	if evt.ConvID != "" {
		m.WithShardingKey(evt.ConvID)
	}
	if id := evt.MsgID(); id != "" {
		m.WithKeys([]string{id})
	}
	return m, nil
}

func (r *RocketMQProducer) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}
