package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lzyats/im-feed/pkg/event"
	"github.com/lzyats/im-feed/pkg/feed"
	"github.com/lzyats/im-feed/pkg/push"
)

type Store struct {
	cfg push.RedisSettings
	cli *redis.Client
	log *zap.Logger
}

func New(cfg push.RedisSettings, log *zap.Logger) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis: missing host")
	}
	cfg = push.Settings{Redis: cfg}.WithDefaults().Redis
	if log == nil {
		log = zap.NewNop()
	}

	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.Pool.MaxActive > 0 {
		opts.PoolSize = cfg.Pool.MaxActive
	}
	if cfg.Pool.MaxIdle > 0 {
		opts.MinIdleConns = cfg.Pool.MaxIdle
	}

	return &Store{cfg: cfg, cli: redis.NewClient(opts), log: log}, nil
}

func (s *Store) Client() *redis.Client { return s.cli }

func (s *Store) Close() error { return s.cli.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.cli.Ping(ctx).Err() }

/*
Keys:
  - im:feed:conv:{conv_id}            pub/sub channel (prefix configurable)
  - im:idem:{conv_id}:{correlation}   send idempotency -> msg id
  - im:dedupe:{scope}:{key}           consumer-side dedupe
*/
func (s *Store) channel(convID string) string {
	return s.cfg.ChannelPrefix + convID
}

func (s *Store) idemKey(convID, correlationID string) string {
	return fmt.Sprintf("im:idem:%s:%s", convID, correlationID)
}

// Publish sends evt on the channel of its conversation.
func (s *Store) Publish(ctx context.Context, evt *event.FeedEvent) error {
	if evt == nil || evt.ConvID == "" {
		return push.ErrInvalidArgument
	}
	if evt.TS == 0 {
		evt.TS = time.Now().Unix()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.cli.Publish(ctx, s.channel(evt.ConvID), b).Err()
}

// Subscribe forwards the conversation's channel to h until the returned func
// is called. A read error on the subscription, or a health ping that fails
// after an idle window, is reported once through h.OnError and ends delivery.
func (s *Store) Subscribe(ctx context.Context, convID string, h feed.Handlers) (func(), error) {
	if convID == "" {
		return nil, push.ErrInvalidArgument
	}
	sub := s.cli.Subscribe(ctx, s.channel(convID))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			_ = sub.Close()
		})
	}

	go func() {
		defer stop()
		err := s.forward(fctx, sub, h)
		if fctx.Err() != nil {
			return
		}
		s.log.Warn("redis subscription lost", zap.String("conv_id", convID), zap.Error(err))
		if h.OnError != nil {
			h.OnError(fmt.Errorf("redis subscription: %w", err))
		}
	}()

	return stop, nil
}

// forward reads sub until it fails. Go-redis would silently redial a broken
// pubsub connection; reading with ReceiveTimeout surfaces the break instead.
func (s *Store) forward(ctx context.Context, sub *redis.PubSub, h feed.Handlers) error {
	idle := s.cfg.HealthCheck
	for {
		msg, err := sub.ReceiveTimeout(ctx, idle)
		if err != nil {
			if !isTimeout(err) {
				return err
			}
			if perr := sub.Ping(ctx); perr != nil {
				return perr
			}
			continue
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			// *redis.Pong and subscription confirmations
			continue
		}
		evt, err := event.Decode([]byte(m.Payload))
		if err != nil {
			s.log.Warn("bad feed event payload", zap.String("channel", m.Channel), zap.Error(err))
			continue
		}
		event.Dispatch(evt, h)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// GetIdem returns the message id stored for a correlation id.
func (s *Store) GetIdem(ctx context.Context, convID, correlationID string) (string, bool, error) {
	v, err := s.cli.Get(ctx, s.idemKey(convID, correlationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

func (s *Store) SetIdem(ctx context.Context, convID, correlationID, msgID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return s.cli.Set(ctx, s.idemKey(convID, correlationID), msgID, ttl).Err()
}

// DedupeMsg returns true if key is seen for the first time within ttl.
// It uses SET NX to provide consumer-side idempotency.
func (s *Store) DedupeMsg(ctx context.Context, scope, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, push.ErrInvalidArgument
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.cli.SetNX(ctx, fmt.Sprintf("im:dedupe:%s:%s", scope, key), "1", ttl).Result()
}
