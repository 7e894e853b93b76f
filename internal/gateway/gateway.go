package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/lzyats/im-feed/internal/breaker"
	"github.com/lzyats/im-feed/internal/metrics"
	"github.com/lzyats/im-feed/internal/outbox"
	"github.com/lzyats/im-feed/internal/repo"
	"github.com/lzyats/im-feed/pkg/event"
	"github.com/lzyats/im-feed/pkg/feed"
	"github.com/lzyats/im-feed/pkg/producer"
)

var ErrInvalidArgument = errors.New("gateway: invalid argument")

const breakerKey = "publish"

// IDGen is satisfied by *sonyflake.Sonyflake.
type IDGen interface {
	NextID() (uint64, error)
}

// Idempotency maps (conversation, correlation id) to the message id a send
// produced. Implemented by the redis store.
type Idempotency interface {
	GetIdem(ctx context.Context, convID, correlationID string) (string, bool, error)
	SetIdem(ctx context.Context, convID, correlationID, msgID string, ttl time.Duration) error
}

type Options struct {
	Topic   string
	Tag     string
	IdemTTL time.Duration
	Timeout time.Duration

	Breaker *breaker.Breaker // optional
	Logger  *zap.Logger
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.IdemTTL <= 0 {
		o.IdemTTL = 7 * 24 * time.Hour
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Gateway persists sends and status changes and publishes the matching live
// events. It is the feed.Sender and feed.StatusWriter of the feed host.
type Gateway struct {
	db     *sql.DB
	msgs   *repo.MessageRepo
	seq    *repo.SeqRepo
	outbox *outbox.Repo
	idem   Idempotency
	prod   producer.Producer
	ids    IDGen
	opts   Options
	log    *zap.Logger
}

func New(db *sql.DB, msgs *repo.MessageRepo, seq *repo.SeqRepo, ob *outbox.Repo, idem Idempotency, prod producer.Producer, ids IDGen, opts Options) *Gateway {
	opts = opts.withDefaults()
	return &Gateway{
		db:     db,
		msgs:   msgs,
		seq:    seq,
		outbox: ob,
		idem:   idem,
		prod:   prod,
		ids:    ids,
		opts:   opts,
		log:    opts.Logger,
	}
}

// Send stores m and returns the confirmed record: server id, server time,
// status sent, same CorrelationID. Retries with the same correlation id
// return the first result.
func (g *Gateway) Send(ctx context.Context, m feed.Message) (feed.Message, error) {
	if m.ConversationID == "" || m.CorrelationID == "" || (m.Content == "" && m.MediaURL == "") {
		return feed.Message{}, ErrInvalidArgument
	}

	if g.idem != nil {
		ictx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		id, ok, err := g.idem.GetIdem(ictx, m.ConversationID, m.CorrelationID)
		cancel()
		if err != nil {
			g.log.Warn("idempotency lookup failed", zap.String("conv_id", m.ConversationID), zap.Error(err))
		} else if ok {
			prev, err := g.msgs.Get(ctx, m.ConversationID, id)
			if err == nil {
				metrics.IdemHits.Inc()
				return prev, nil
			}
			if !errors.Is(err, repo.ErrNotFound) {
				metrics.SendFail.Inc()
				return feed.Message{}, err
			}
		}
	}

	id, err := g.ids.NextID()
	if err != nil {
		metrics.SendFail.Inc()
		return feed.Message{}, fmt.Errorf("gateway: idgen: %w", err)
	}
	msgID := int64(id)

	confirmed := m
	confirmed.ID = strconv.FormatInt(msgID, 10)
	confirmed.CreatedAt = g.opts.Now().UTC().Truncate(time.Millisecond)
	confirmed.Status = feed.StatusSent
	confirmed.Provisional = false
	if confirmed.Direction == "" {
		confirmed.Direction = feed.DirectionOutbound
	}
	if confirmed.SenderKind == "" {
		confirmed.SenderKind = feed.SenderHuman
	}

	evt := event.NewInsert(confirmed, m.CorrelationID)
	outboxID, err := g.store(ctx, msgID, confirmed, evt)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			// same correlation id committed by a concurrent retry
			prev, gerr := g.msgs.GetByCorrelation(ctx, m.ConversationID, m.CorrelationID)
			if gerr == nil {
				metrics.IdemHits.Inc()
				return prev, nil
			}
		}
		metrics.SendFail.Inc()
		return feed.Message{}, err
	}

	if g.idem != nil {
		ictx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		if err := g.idem.SetIdem(ictx, m.ConversationID, m.CorrelationID, confirmed.ID, g.opts.IdemTTL); err != nil {
			g.log.Warn("idempotency store failed", zap.String("conv_id", m.ConversationID), zap.Error(err))
		}
		cancel()
	}

	if g.publish(ctx, evt) {
		if err := g.outbox.MarkSent(context.WithoutCancel(ctx), outboxID); err != nil {
			g.log.Warn("outbox mark sent failed", zap.Int64("outbox_id", outboxID), zap.Error(err))
		}
	}
	metrics.SendOK.Inc()
	return confirmed, nil
}

// store writes the message row and its outbox row in one transaction.
func (g *Gateway) store(ctx context.Context, msgID int64, m feed.Message, evt *event.FeedEvent) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	tx, err := g.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	syncID, err := g.seq.NextConvSeq(ctx, tx, m.ConversationID)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	row, err := repo.RowFromMessage(msgID, syncID, m)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := g.msgs.InsertTx(ctx, tx, &row); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	outboxID, err := g.outbox.EnqueueTx(ctx, tx, evt, msgID, g.opts.Topic, g.opts.Tag)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return outboxID, nil
}

// UpdateStatus moves a message forward and publishes msg_update when the row
// changed. Publish failures are logged only: the status is already stored.
func (g *Gateway) UpdateStatus(ctx context.Context, convID, id string, status feed.Status) error {
	ctx2, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	changed, err := g.msgs.UpdateStatus(ctx2, convID, id, status)
	cancel()
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	st := status
	g.publish(ctx, event.NewUpdate(feed.Update{ID: id, ConversationID: convID, Patch: feed.Patch{Status: &st}}, ""))
	return nil
}

// publish sends evt directly unless the breaker is open. Inserts that are not
// published here are picked up by the outbox worker.
func (g *Gateway) publish(ctx context.Context, evt *event.FeedEvent) bool {
	brk := g.opts.Breaker
	if brk != nil && !brk.Allow(breakerKey) {
		metrics.BreakerDrop.Inc()
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	err := g.prod.Publish(pctx, evt)
	cancel()
	if err != nil {
		if brk != nil && brk.Failure(breakerKey) {
			metrics.BreakerOpen.Inc()
			g.log.Warn("publish breaker opened", zap.Error(err))
		}
		g.log.Warn("live publish failed", zap.String("event", evt.Event), zap.String("conv_id", evt.ConvID),
			zap.String("msg_id", evt.MsgID()), zap.Error(err))
		return false
	}
	if brk != nil {
		brk.Success(breakerKey)
	}
	return true
}

var (
	_ feed.Sender       = (*Gateway)(nil)
	_ feed.StatusWriter = (*Gateway)(nil)
)
