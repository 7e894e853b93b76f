package push

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Settings configures the live event pipeline shared by the producer and the
// redis store.
type Settings struct {
	RocketMQ RocketMQSettings `yaml:"rocketmq" json:"rocketmq"`
	Redis    RedisSettings    `yaml:"redis" json:"redis"`
}

type RocketMQSettings struct {
	NameServer string           `yaml:"name-server" json:"nameServer"`
	Producer   RocketMQProducer `yaml:"producer" json:"producer"`
	Consumer   RocketMQConsumer `yaml:"consumer" json:"consumer"`
	Topic      string           `yaml:"topic" json:"topic"`
	Tag        string           `yaml:"tag" json:"tag"`
}

type RocketMQProducer struct {
	AccessKey string `yaml:"access-key" json:"accessKey"`
	SecretKey string `yaml:"secret-key" json:"secretKey"`
	Group     string `yaml:"group" json:"group"`
}

// RocketMQConsumer is the broadcast consumer every feed host runs.
type RocketMQConsumer struct {
	Group    string `yaml:"group" json:"group"`
	Instance string `yaml:"instance" json:"instance"`
}

type RedisSettings struct {
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port"`
	Database int           `yaml:"database" json:"database"`
	Password string        `yaml:"password" json:"password"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`

	// ChannelPrefix is prepended to the conversation id to form the pub/sub channel.
	ChannelPrefix string `yaml:"channel-prefix" json:"channelPrefix"`
	// HealthCheck is how long a subscription may stay silent before it is pinged.
	HealthCheck time.Duration `yaml:"health-check" json:"healthCheck"`
	Pool        RedisPool     `yaml:"pool" json:"pool"`
}

type RedisPool struct {
	MaxIdle   int `yaml:"max-idle" json:"maxIdle"`
	MaxActive int `yaml:"max-active" json:"maxActive"`
}

func (s Settings) WithDefaults() Settings {
	o := s
	if o.RocketMQ.Consumer.Group == "" {
		o.RocketMQ.Consumer.Group = "im-feed-live"
	}
	if o.Redis.Port == 0 {
		o.Redis.Port = 6379
	}
	if o.Redis.Timeout == 0 {
		o.Redis.Timeout = 5 * time.Second
	}
	if o.Redis.HealthCheck <= 0 {
		o.Redis.HealthCheck = 30 * time.Second
	}
	if o.Redis.ChannelPrefix == "" {
		o.Redis.ChannelPrefix = "im:feed:conv:"
	}
	return o
}

// ParseAddr splits "host:port" into RedisSettings fields. A missing or bad
// port falls back to 6379.
func ParseAddr(addr string) (host string, port int) {
	host, p, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return strings.TrimSpace(addr), 6379
	}
	port, err = strconv.Atoi(p)
	if err != nil || port <= 0 {
		port = 6379
	}
	return host, port
}
