package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lzyats/im-feed/internal/auth"
	"github.com/lzyats/im-feed/internal/metrics"
	"github.com/lzyats/im-feed/pkg/feed"
)

var (
	errRateLimited = errors.New("rate limited")
	errUnknownOp   = errors.New("unknown op")
	errBadFrame    = errors.New("bad frame")
	errForbidden   = errors.New("conversation not allowed")
)

// Session is one websocket connection. It owns one Feed; the client switches
// conversations with the open op.
type Session struct {
	ws   *websocket.Conn
	feed *feed.Feed
	vp   *RemoteViewport
	lim  *rate.Limiter
	opts Options
	log  *zap.Logger
	auth auth.Session

	out  chan []byte
	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(ws *websocket.Conn, fetcher feed.PageFetcher, sub feed.Subscriber, opts Options, sess auth.Session, log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ws:     ws,
		lim:    rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		opts:   opts,
		log:    log,
		auth:   sess,
		out:    make(chan []byte, opts.QueueSize),
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	s.vp = NewRemoteViewport(s.poke)

	fo := opts.Feed
	fo.Logger = log
	fo.OnChange = s.poke
	s.feed = feed.New(fetcher, sub, fo)
	s.feed.AttachViewport(s.vp)
	return s
}

// poke schedules a snapshot; bursts of changes collapse into one frame.
func (s *Session) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// run serves the connection until the client goes away. It blocks.
func (s *Session) run(convID string) {
	go s.writeLoop()
	if convID != "" {
		s.open(convID, "")
	}
	s.readLoop()
	s.close()
	s.wg.Wait()
	s.feed.Close()
}

// close stops the session; the writer sends a close frame and closes the
// socket, which also ends the read loop.
func (s *Session) close() {
	s.cancel()
}

func (s *Session) readLoop() {
	s.ws.SetReadLimit(s.opts.ReadLimit)
	_ = s.ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingPeriod))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingPeriod))
	})

	for {
		_, b, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Info("ws read closed", zap.Error(err))
			}
			return
		}
		if !s.lim.Allow() {
			metrics.WSRateLimited.Inc()
			s.push(errorFrame("", "", errRateLimited))
			continue
		}
		var f ClientFrame
		if err := json.Unmarshal(b, &f); err != nil {
			s.push(errorFrame("", "", errBadFrame))
			continue
		}
		s.handle(f)
	}
}

// handle runs lock-only ops inline and everything that does I/O on its own
// goroutine, so a slow fetch never stalls geometry updates.
func (s *Session) handle(f ClientFrame) {
	switch f.Op {
	case OpOpen:
		if f.ConvID == "" {
			s.push(errorFrame(f.Op, f.ReqID, feed.ErrInvalidArgument))
			return
		}
		s.open(f.ConvID, f.ReqID)
	case OpScroll:
		if f.Geometry == nil {
			s.push(errorFrame(f.Op, f.ReqID, errBadFrame))
			return
		}
		s.vp.Update(*f.Geometry)
		if s.feed.ObserveScroll(s.vp) {
			s.async(func() error {
				_, err := s.feed.RequestMore(s.ctx)
				return err
			}, f.Op, f.ReqID)
		}
	case OpMore:
		s.async(func() error {
			_, err := s.feed.RequestMore(s.ctx)
			return err
		}, f.Op, f.ReqID)
	case OpRendered:
		if f.Geometry != nil {
			s.vp.Update(*f.Geometry)
		}
		s.feed.Rendered(f.Version)
	case OpSend:
		d := feed.Draft{Content: f.Content, MediaURL: f.MediaURL, ReplyToID: f.ReplyToID, SenderKind: f.SenderKind}
		s.async(func() error {
			m, err := s.feed.Send(s.ctx, d)
			if err != nil {
				return err
			}
			s.push(ServerFrame{Type: TypeAck, Op: OpSend, ReqID: f.ReqID, Msg: &m})
			return nil
		}, f.Op, f.ReqID)
	case OpRead:
		ids := f.IDs
		s.async(func() error { return s.feed.MarkRead(s.ctx, ids...) }, f.Op, f.ReqID)
	default:
		s.push(errorFrame(f.Op, f.ReqID, errUnknownOp))
	}
}

// open switches the feed to convID if the connection's session may read it.
func (s *Session) open(convID, reqID string) {
	if !s.auth.CanRead(convID) {
		s.push(errorFrame(OpOpen, reqID, errForbidden))
		return
	}
	s.async(func() error { return s.feed.Open(s.ctx, convID) }, OpOpen, reqID)
}

func (s *Session) async(fn func() error, op, reqID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := fn()
		switch {
		case err == nil:
		case errors.Is(err, feed.ErrSuperseded), errors.Is(err, context.Canceled):
		default:
			s.push(errorFrame(op, reqID, err))
		}
	}()
}

// push queues a frame. A client that does not keep up is disconnected.
func (s *Session) push(f ServerFrame) {
	b, err := encode(f)
	if err != nil {
		s.log.Error("frame encode failed", zap.String("type", f.Type), zap.Error(err))
		return
	}
	select {
	case <-s.ctx.Done():
	case s.out <- b:
	default:
		metrics.WSBackpressure.Inc()
		s.log.Warn("ws send buffer full, closing")
		s.close()
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()
	defer s.ws.Close()
	defer s.close()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.opts.WriteTimeout))
			return
		case b := <-s.out:
			if err := s.write(websocket.TextMessage, b); err != nil {
				return
			}
		case <-s.kick:
			if d, ok := s.vp.TakeScroll(); ok {
				b, _ := encode(ServerFrame{Type: TypeScrollBy, Delta: d})
				if err := s.write(websocket.TextMessage, b); err != nil {
					return
				}
			}
			b, err := encode(snapshotFrame(s.feed.Snapshot()))
			if err != nil {
				s.log.Error("snapshot encode failed", zap.Error(err))
				continue
			}
			if err := s.write(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) write(kind int, b []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(kind, b)
}
