package bridge

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzyats/im-feed/internal/auth"
	"github.com/lzyats/im-feed/internal/metrics"
	"github.com/lzyats/im-feed/pkg/feed"
)

type Options struct {
	WriteTimeout time.Duration
	PingPeriod   time.Duration
	ReadLimit    int64
	QueueSize    int
	RateLimit    float64 // inbound frames per second
	Burst        int

	// Feed is the template for every session's feed. OnChange and Logger are
	// set per session.
	Feed feed.Options

	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return o
}

// Server upgrades /ws requests and runs one Session per connection:
// /ws?conv_id=... opens that conversation right away.
type Server struct {
	fetcher  feed.PageFetcher
	sub      feed.Subscriber
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(fetcher feed.PageFetcher, sub feed.Subscriber, log *zap.Logger, opts Options) *Server {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		fetcher:  fetcher,
		sub:      sub,
		opts:     opts,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	who, _ := auth.SessionFromContext(r.Context())
	log := s.log.With(zap.String("uid", who.UID), zap.String("remote", r.RemoteAddr))

	metrics.OnlineSessions.Inc()
	defer metrics.OnlineSessions.Dec()

	sess := newSession(ws, s.fetcher, s.sub, s.opts, who, log)
	sess.run(r.URL.Query().Get("conv_id"))
}
