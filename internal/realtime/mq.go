package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"go.uber.org/zap"

	"github.com/lzyats/im-feed/internal/metrics"
	"github.com/lzyats/im-feed/pkg/event"
	"github.com/lzyats/im-feed/pkg/push"
)

// Deduper is implemented by the redis store.
type Deduper interface {
	DedupeMsg(ctx context.Context, scope, key string, ttl time.Duration) (bool, error)
}

var ErrConsumerStopped = errors.New("realtime: consumer stopped")

// MQSource consumes feed events from RocketMQ in broadcasting mode (every host
// needs every event) and dispatches them to the hub.
type MQSource struct {
	cfg   push.RocketMQSettings
	hub   *Hub
	dedup Deduper
	ttl   time.Duration
	op    time.Duration
	log   *zap.Logger

	c rmq.PushConsumer
}

type MQOptions struct {
	DedupeTTL time.Duration
	OpTimeout time.Duration
}

func NewMQSource(cfg push.RocketMQSettings, hub *Hub, dedup Deduper, log *zap.Logger, opt MQOptions) *MQSource {
	if opt.DedupeTTL <= 0 {
		opt.DedupeTTL = 10 * time.Minute
	}
	if opt.OpTimeout <= 0 {
		opt.OpTimeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MQSource{cfg: cfg, hub: hub, dedup: dedup, ttl: opt.DedupeTTL, op: opt.OpTimeout, log: log}
}

func (s *MQSource) Start() error {
	if s.cfg.NameServer == "" || s.cfg.Topic == "" {
		return fmt.Errorf("rocketmq: missing name-server or topic")
	}
	opts := []consumer.Option{
		consumer.WithNameServer([]string{s.cfg.NameServer}),
		consumer.WithGroupName(s.cfg.Consumer.Group),
		consumer.WithConsumerModel(consumer.BroadCasting),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset),
	}
	if s.cfg.Consumer.Instance != "" {
		opts = append(opts, consumer.WithInstance(s.cfg.Consumer.Instance))
	}
	if s.cfg.Producer.AccessKey != "" || s.cfg.Producer.SecretKey != "" {
		opts = append(opts, consumer.WithCredentials(primitive.Credentials{
			AccessKey: s.cfg.Producer.AccessKey,
			SecretKey: s.cfg.Producer.SecretKey,
		}))
	}
	c, err := rmq.NewPushConsumer(opts...)
	if err != nil {
		return err
	}

	selector := consumer.MessageSelector{Type: consumer.TAG, Expression: "*"}
	if s.cfg.Tag != "" {
		selector.Expression = s.cfg.Tag
	}
	if err := c.Subscribe(s.cfg.Topic, selector, s.Handle); err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	s.c = c
	s.log.Info("live consumer started",
		zap.String("topic", s.cfg.Topic),
		zap.String("group", s.cfg.Consumer.Group),
		zap.String("instance", s.cfg.Consumer.Instance),
	)
	return nil
}

// Handle is the push consumer callback. Bad messages are dropped; redis errors
// during dedupe let the event through (at-least-once).
func (s *MQSource) Handle(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, m := range msgs {
		metrics.Consumed.Inc()

		evt, err := event.Decode(m.Body)
		if err != nil {
			metrics.EventDecodeFail.Inc()
			s.log.Warn("event decode failed", zap.String("mq_msg_id", m.MsgId), zap.Error(err))
			continue
		}

		if s.dedup != nil {
			ctx2, cancel := context.WithTimeout(ctx, s.op)
			first, err := s.dedup.DedupeMsg(ctx2, s.cfg.Consumer.Instance, evt.DedupeKey(), s.ttl)
			cancel()
			if err == nil && !first {
				metrics.Duplicates.Inc()
				continue
			}
		}

		s.hub.Dispatch(evt)
	}
	return consumer.ConsumeSuccess, nil
}

func (s *MQSource) Shutdown() error {
	if s.c == nil {
		return nil
	}
	err := s.c.Shutdown()
	s.hub.Fail(ErrConsumerStopped)
	return err
}
