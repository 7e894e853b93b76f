package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lzyats/im-feed/internal/auth"
	"github.com/lzyats/im-feed/internal/breaker"
	"github.com/lzyats/im-feed/internal/bridge"
	"github.com/lzyats/im-feed/internal/config"
	"github.com/lzyats/im-feed/internal/db"
	"github.com/lzyats/im-feed/internal/gateway"
	"github.com/lzyats/im-feed/internal/metrics"
	"github.com/lzyats/im-feed/internal/outbox"
	"github.com/lzyats/im-feed/internal/realtime"
	"github.com/lzyats/im-feed/internal/repo"
	"github.com/lzyats/im-feed/pkg/feed"
	"github.com/lzyats/im-feed/pkg/producer"
	redisstore "github.com/lzyats/im-feed/pkg/store/redis"
)

// Version is injected via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var cfgPaths string
	var outboxOnly bool
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.BoolVar(&outboxOnly, "outbox-only", false, "run only outbox worker (no http server)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("im-feed starting", zap.String("version", Version), zap.String("addr", cfg.HTTP.Addr),
		zap.String("live", cfg.Live.Transport))

	metrics.Register()

	mysql, err := db.Open(db.Options{
		DSN:          cfg.MySQL.DSN,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		ConnMaxLife:  cfg.MySQL.ConnMaxLife,
		ConnMaxIdle:  cfg.MySQL.ConnMaxIdle,
	})
	if err != nil {
		log.Fatal("mysql init failed", zap.Error(err))
	}
	defer mysql.Close()

	msgRepo := repo.NewMessageRepo(mysql.DB, cfg.Feed.MaxLimit)
	seqRepo := repo.NewSeqRepo()
	outRepo := outbox.NewRepo(mysql.DB)

	ps := cfg.PushSettings()
	store, err := redisstore.New(ps.Redis, log)
	if err != nil {
		log.Fatal("redis init failed", zap.Error(err))
	}
	defer store.Close()

	// live transport: redis pub/sub by default, RocketMQ broadcast otherwise
	var (
		prod producer.Producer = store
		sub  feed.Subscriber   = store
		src  *realtime.MQSource
	)
	if cfg.Live.Transport == "rocketmq" {
		rp, err := producer.NewRocketMQ(ps.RocketMQ)
		if err != nil {
			log.Fatal("rocketmq producer init failed", zap.Error(err))
		}
		defer rp.Close()
		prod = rp

		hub := realtime.NewHub()
		sub = hub
		src = realtime.NewMQSource(ps.RocketMQ, hub, store, log, realtime.MQOptions{
			DedupeTTL: cfg.Dedupe.TTL,
			OpTimeout: cfg.Timeout,
		})
	}

	w := outbox.NewWorker(outRepo, prod, log, outbox.Options{Tick: cfg.Outbox.Tick, Batch: cfg.Outbox.Batch, Timeout: cfg.Timeout})
	w.Start()
	defer w.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if outboxOnly {
		log.Info("outbox-only mode")
		<-ctx.Done()
		return
	}

	if src != nil {
		if err := src.Start(); err != nil {
			log.Fatal("rocketmq consumer start failed", zap.Error(err))
		}
		defer src.Shutdown()
	}

	var brk *breaker.Breaker
	if cfg.Breaker.Enabled {
		brk = breaker.New(breaker.Options{
			Threshold: cfg.Breaker.Threshold,
			Window:    cfg.Breaker.Window,
			OpenFor:   cfg.Breaker.OpenFor,
		})
	}

	sf := sonyflake.NewSonyflake(sonyflake.Settings{})
	if sf == nil {
		log.Fatal("sonyflake init failed")
	}
	gw := gateway.New(mysql.DB, msgRepo, seqRepo, outRepo, store, prod, sf, gateway.Options{
		Topic:   cfg.RocketMQ.Topic,
		Tag:     cfg.RocketMQ.Tag,
		IdemTTL: cfg.Idempotency.TTL,
		Timeout: cfg.Timeout,
		Breaker: brk,
		Logger:  log,
	})

	ws := bridge.NewServer(msgRepo, sub, log, bridge.Options{
		WriteTimeout: cfg.WS.WriteTimeout,
		PingPeriod:   cfg.WS.PingPeriod,
		ReadLimit:    cfg.WS.ReadLimit,
		QueueSize:    cfg.WS.QueueSize,
		RateLimit:    cfg.WS.RateLimit,
		Burst:        cfg.WS.Burst,
		Feed: feed.Options{
			InitialBatchSize:  cfg.Feed.InitialBatch,
			LoadMoreBatchSize: cfg.Feed.LoadMoreBatch,
			Debounce:          cfg.Feed.Debounce,
			ScrollThreshold:   cfg.Feed.ScrollThreshold,
			MatchTolerance:    cfg.Feed.MatchTolerance,
			Sender:            gw,
			StatusWriter:      gw,
			Observer:          metrics.FeedObserver{},
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
		defer cancel()
		if err := mysql.DB.PingContext(ctx); err != nil {
			http.Error(w, "mysql: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := store.Ping(ctx); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/ws", ws)
	mux.Handle("/v1/messages", bridge.HistoryHandler(msgRepo, cfg.Feed.InitialBatch, msgRepo.MaxLimit(), log))

	sessions := &auth.SessionStore{
		RedisPrefix: cfg.Auth.Token.RedisPrefix,
		TTLDays:     cfg.Auth.Token.TTLDays,
		Store:       store,
	}
	authCfg := auth.Config{
		Enabled:        cfg.Auth.Enabled,
		Mode:           cfg.Auth.Mode,
		Header:         cfg.Auth.Token.Header,
		BearerPrefix:   cfg.Auth.Token.BearerPrefix,
		QueryKey:       cfg.Auth.Token.QueryKey,
		PublicPaths:    cfg.Auth.PublicPaths,
		ProtectedPaths: cfg.Auth.ProtectedPaths,
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           auth.Wrap(authCfg, sessions, log, mux),
		ReadHeaderTimeout: 2 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("im-feed listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("im-feed stopped")
}
