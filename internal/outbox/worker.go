package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/im-feed/internal/metrics"
	"github.com/lzyats/im-feed/pkg/producer"
)

// Worker republishes outbox rows whose direct publish did not go through.
type Worker struct {
	repo *Repo
	prod producer.Producer
	log  *zap.Logger

	tick    time.Duration
	batch   int
	timeout time.Duration
	stop    chan struct{}
}

type Options struct {
	Tick    time.Duration
	Batch   int
	Timeout time.Duration
}

func NewWorker(repo *Repo, prod producer.Producer, log *zap.Logger, opt Options) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = 1 * time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 200
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		repo:    repo,
		prod:    prod,
		log:     log,
		tick:    opt.Tick,
		batch:   opt.Batch,
		timeout: opt.Timeout,
		stop:    make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		t := time.NewTicker(w.tick)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				w.RunOnce(context.Background())
			}
		}
	}()
}

func (w *Worker) Stop() { close(w.stop) }

// RunOnce publishes one batch of due rows and returns how many were sent.
func (w *Worker) RunOnce(ctx context.Context) int {
	fctx, cancel := context.WithTimeout(ctx, w.timeout)
	recs, err := w.repo.FetchDue(fctx, w.batch)
	cancel()
	if err != nil {
		w.log.Warn("outbox fetch due failed", zap.Error(err))
		return 0
	}

	sent := 0
	for _, r := range recs {
		evt, err := r.Decode()
		if err != nil {
			_ = w.repo.MarkFailed(ctx, r.ID, r.RetryCount+1, "decode:"+err.Error(), 10*time.Second)
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, w.timeout)
		err = w.prod.Publish(pctx, evt)
		cancel()
		if err == nil {
			if err := w.repo.MarkSent(ctx, r.ID); err != nil {
				w.log.Warn("outbox mark sent failed", zap.Int64("id", r.ID), zap.Error(err))
			}
			sent++
			continue
		}

		rc := r.RetryCount + 1
		backoff := calcBackoff(rc)
		metrics.OutboxRetry.Inc()
		_ = w.repo.MarkFailed(ctx, r.ID, rc, err.Error(), backoff)
		if rc == 1 || rc%10 == 0 {
			w.log.Warn("outbox publish retry", zap.Int64("id", r.ID), zap.String("conv_id", r.ConvID),
				zap.Int("retry", rc), zap.Duration("backoff", backoff), zap.Error(err))
		}
	}
	return sent
}

// calcBackoff is exponential with a 60s cap.
func calcBackoff(retry int) time.Duration {
	if retry <= 0 {
		return 1 * time.Second
	}
	d := time.Duration(1<<min(retry, 8)) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
