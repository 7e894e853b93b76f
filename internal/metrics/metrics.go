package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lzyats/im-feed/pkg/feed"
)

var (
	PagesFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_feed_pages_fetched_total",
		Help: "Total history pages fetched, by op (initial|older).",
	}, []string{"op"})
	RowsFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_feed_rows_fetched_total",
		Help: "Total history rows fetched, by op.",
	}, []string{"op"})
	FetchFail = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_feed_fetch_fail_total",
		Help: "Total failed history fetches, by op.",
	}, []string{"op"})

	Reconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_feed_reconcile_total",
		Help: "Live inserts by reconcile outcome.",
	}, []string{"outcome"})
	AnomalyDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_anomaly_dropped_total",
		Help: "Total page rows dropped because they were already in the window.",
	})
	ChannelFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_channel_failed_total",
		Help: "Total live channel failures (subscribe error or channel closed).",
	})

	OnlineSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_feed_online_sessions",
		Help: "Current websocket feed sessions.",
	})
	WSBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_ws_backpressure_total",
		Help: "Total times a session outbound queue was full.",
	})
	WSRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_ws_rate_limited_total",
		Help: "Total inbound client frames rejected by the rate limiter.",
	})

	SendOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_send_ok_total",
		Help: "Total messages persisted by the gateway.",
	})
	SendFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_send_fail_total",
		Help: "Total gateway send failures.",
	})
	IdemHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_idem_hits_total",
		Help: "Total sends answered from the idempotency cache.",
	})

	BreakerOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_breaker_open_total",
		Help: "Total times the publish breaker opened.",
	})
	BreakerDrop = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_breaker_drop_total",
		Help: "Total direct publishes skipped due to breaker open (left to outbox).",
	})
	OutboxRetry = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_outbox_retry_total",
		Help: "Total outbox publish failures scheduled for retry.",
	})

	Consumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_mq_consumed_total",
		Help: "Total MQ messages consumed (events).",
	})
	EventDecodeFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_event_decode_fail_total",
		Help: "Total event decode failures.",
	})
	Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_feed_duplicates_total",
		Help: "Total duplicate events dropped by dedupe.",
	})
)

func Register() {
	prometheus.MustRegister(
		PagesFetched, RowsFetched, FetchFail,
		Reconciled, AnomalyDropped, ChannelFailed,
		OnlineSessions, WSBackpressure, WSRateLimited,
		SendOK, SendFail, IdemHits,
		BreakerOpen, BreakerDrop, OutboxRetry,
		Consumed, EventDecodeFail, Duplicates,
	)
}

// FeedObserver reports feed activity into the package collectors.
type FeedObserver struct{}

func (FeedObserver) PageFetched(op feed.FetchOp, rows int) {
	PagesFetched.WithLabelValues(string(op)).Inc()
	RowsFetched.WithLabelValues(string(op)).Add(float64(rows))
}

func (FeedObserver) FetchFailed(op feed.FetchOp) { FetchFail.WithLabelValues(string(op)).Inc() }

func (FeedObserver) Reconciled(o feed.Outcome) { Reconciled.WithLabelValues(o.String()).Inc() }

func (FeedObserver) Anomaly(dropped int) { AnomalyDropped.Add(float64(dropped)) }

func (FeedObserver) ChannelFailed() { ChannelFailed.Inc() }

var _ feed.Observer = FeedObserver{}
