package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lzyats/im-feed/pkg/push"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":7100"
	} `yaml:"http"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	} `yaml:"mysql"`

	Redis struct {
		Addr          string        `yaml:"addr"`
		Password      string        `yaml:"password"`
		Database      int           `yaml:"database"`
		ChannelPrefix string        `yaml:"channel_prefix"`
		HealthCheck   time.Duration `yaml:"health_check"` // idle time before a subscription is pinged
	} `yaml:"redis"`

	RocketMQ struct {
		NameServer    string `yaml:"name_server"`
		Topic         string `yaml:"topic"`
		Tag           string `yaml:"tag,omitempty"`
		ProducerGroup string `yaml:"producer_group"`
		ConsumerGroup string `yaml:"consumer_group"`
		Instance      string `yaml:"instance"` // unique per host; broadcast offsets and dedupe scope
		AccessKey     string `yaml:"access_key"`
		SecretKey     string `yaml:"secret_key"`
	} `yaml:"rocketmq"`

	Live struct {
		Transport string `yaml:"transport"` // redis | rocketmq
	} `yaml:"live"`

	Feed struct {
		InitialBatch    int           `yaml:"initial_batch"`
		LoadMoreBatch   int           `yaml:"load_more_batch"`
		Debounce        time.Duration `yaml:"debounce"`
		ScrollThreshold float64       `yaml:"scroll_threshold"`
		MatchTolerance  time.Duration `yaml:"match_tolerance"`
		MaxLimit        int           `yaml:"max_limit"`
	} `yaml:"feed"`

	Timeout time.Duration `yaml:"timeout"`

	Idempotency struct {
		TTL time.Duration `yaml:"ttl"` // default 7d
	} `yaml:"idempotency"`

	Dedupe struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"dedupe"`

	Outbox struct {
		Tick  time.Duration `yaml:"tick"`
		Batch int           `yaml:"batch"`
	} `yaml:"outbox"`

	Breaker struct {
		Enabled   bool          `yaml:"enabled"`
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	WS struct {
		WriteTimeout time.Duration `yaml:"write_timeout"`
		PingPeriod   time.Duration `yaml:"ping_period"`
		ReadLimit    int64         `yaml:"read_limit"`
		QueueSize    int           `yaml:"queue_size"`
		RateLimit    float64       `yaml:"rate_limit"` // inbound frames per second
		Burst        int           `yaml:"burst"`
	} `yaml:"ws"`

	Auth struct {
		Enabled bool   `yaml:"enabled"`
		Mode    string `yaml:"mode"` // default_protect | default_public

		Token struct {
			Header       string `yaml:"header"`
			BearerPrefix string `yaml:"bearer_prefix"`
			QueryKey     string `yaml:"query_key"`
			RedisPrefix  string `yaml:"redis_prefix"`
			TTLDays      int    `yaml:"ttl_days"`
		} `yaml:"token"`

		PublicPaths    []string `yaml:"public_paths"`
		ProtectedPaths []string `yaml:"protected_paths"`
	} `yaml:"auth"`
}

// Load supports comma-separated config files: "-c common.yml,im-feed.yml".
// Later files override earlier ones (successive unmarshal into one struct).
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-feed.yml)")
	}

	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config %s: %w", p, err)
		}
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7100"
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 7 * 24 * time.Hour
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.MySQL.MaxOpenConns <= 0 {
		c.MySQL.MaxOpenConns = 50
	}
	if c.MySQL.MaxIdleConns <= 0 {
		c.MySQL.MaxIdleConns = 25
	}
	if c.MySQL.ConnMaxLife == 0 {
		c.MySQL.ConnMaxLife = 30 * time.Minute
	}
	if c.MySQL.ConnMaxIdle == 0 {
		c.MySQL.ConnMaxIdle = 5 * time.Minute
	}
	if c.Live.Transport == "" {
		c.Live.Transport = "redis"
	}
	if c.RocketMQ.ConsumerGroup == "" {
		c.RocketMQ.ConsumerGroup = "im-feed-live"
	}
	if c.RocketMQ.Instance == "" {
		c.RocketMQ.Instance, _ = os.Hostname()
	}
	if c.Feed.InitialBatch <= 0 {
		c.Feed.InitialBatch = 50
	}
	if c.Feed.LoadMoreBatch <= 0 {
		c.Feed.LoadMoreBatch = 30
	}
	if c.Feed.Debounce == 0 {
		c.Feed.Debounce = 200 * time.Millisecond
	}
	if c.Feed.ScrollThreshold <= 0 {
		c.Feed.ScrollThreshold = 100
	}
	if c.Feed.MatchTolerance == 0 {
		c.Feed.MatchTolerance = 30 * time.Second
	}
	if c.Feed.MaxLimit <= 0 {
		c.Feed.MaxLimit = 500
	}
	if c.Outbox.Tick == 0 {
		c.Outbox.Tick = 1 * time.Second
	}
	if c.Outbox.Batch <= 0 {
		c.Outbox.Batch = 200
	}
	if c.WS.WriteTimeout == 0 {
		c.WS.WriteTimeout = 5 * time.Second
	}
	if c.WS.PingPeriod == 0 {
		c.WS.PingPeriod = 30 * time.Second
	}
	if c.WS.ReadLimit <= 0 {
		c.WS.ReadLimit = 64 << 10
	}
	if c.WS.QueueSize <= 0 {
		c.WS.QueueSize = 256
	}
	if c.WS.RateLimit <= 0 {
		c.WS.RateLimit = 20
	}
	if c.WS.Burst <= 0 {
		c.WS.Burst = 40
	}

	// auth defaults (token + redis session)
	if c.Auth.Mode == "" {
		c.Auth.Mode = "default_protect"
	}
	if c.Auth.Token.Header == "" {
		c.Auth.Token.Header = "Authorization"
	}
	if c.Auth.Token.BearerPrefix == "" {
		c.Auth.Token.BearerPrefix = "Bearer "
	}
	if c.Auth.Token.QueryKey == "" {
		c.Auth.Token.QueryKey = "token"
	}
	if c.Auth.Token.RedisPrefix == "" {
		c.Auth.Token.RedisPrefix = "app:token:"
	}
	if c.Auth.Token.TTLDays == 0 {
		c.Auth.Token.TTLDays = 30
	}
	if c.Auth.PublicPaths == nil {
		c.Auth.PublicPaths = []string{"/healthz", "/metrics"}
	}
}

func (c *Config) validate() error {
	if c.Feed.InitialBatch > c.Feed.MaxLimit || c.Feed.LoadMoreBatch > c.Feed.MaxLimit {
		return fmt.Errorf("feed batch sizes (%d, %d) exceed feed.max_limit %d",
			c.Feed.InitialBatch, c.Feed.LoadMoreBatch, c.Feed.MaxLimit)
	}
	switch c.Live.Transport {
	case "redis":
	case "rocketmq":
		if c.RocketMQ.NameServer == "" || c.RocketMQ.Topic == "" || c.RocketMQ.ProducerGroup == "" {
			return errors.New("live.transport=rocketmq requires rocketmq.name_server, topic and producer_group")
		}
	default:
		return fmt.Errorf("unknown live.transport %q", c.Live.Transport)
	}
	return nil
}

// PushSettings adapts the YAML config to the redis store and RocketMQ
// constructors.
func (c *Config) PushSettings() push.Settings {
	host, port := push.ParseAddr(c.Redis.Addr)
	s := push.Settings{
		Redis: push.RedisSettings{
			Host:          host,
			Port:          port,
			Database:      c.Redis.Database,
			Password:      c.Redis.Password,
			Timeout:       c.Timeout,
			ChannelPrefix: c.Redis.ChannelPrefix,
			HealthCheck:   c.Redis.HealthCheck,
		},
		RocketMQ: push.RocketMQSettings{
			NameServer: c.RocketMQ.NameServer,
			Producer: push.RocketMQProducer{
				AccessKey: c.RocketMQ.AccessKey,
				SecretKey: c.RocketMQ.SecretKey,
				Group:     c.RocketMQ.ProducerGroup,
			},
			Consumer: push.RocketMQConsumer{
				Group:    c.RocketMQ.ConsumerGroup,
				Instance: c.RocketMQ.Instance,
			},
			Topic: c.RocketMQ.Topic,
			Tag:   c.RocketMQ.Tag,
		},
	}
	return s.WithDefaults()
}
