package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PaginationState is the loading state exposed to the UI owner.
type PaginationState struct {
	HasMore          bool      `json:"has_more"`
	IsLoadingInitial bool      `json:"is_loading_initial"`
	IsLoadingMore    bool      `json:"is_loading_more"`
	TotalCount       int       `json:"total_count"`
	OldestLoadedAt   time.Time `json:"oldest_loaded_at"` // zero when nothing is loaded
	ChannelDegraded  bool      `json:"channel_degraded"`
	Err              error     `json:"-"`
}

// Snapshot is a consistent read of the window and its state.
type Snapshot struct {
	ConversationID string          `json:"conversation_id"`
	Version        uint64          `json:"version"`
	Messages       []Message       `json:"messages"`
	State          PaginationState `json:"state"`
}

type liveEvent struct {
	insert *Message
	update *Update
}

// Feed owns the message window of the open conversation. All mutations are
// serialised under one lock; I/O runs outside it on the caller's goroutine.
// Results of requests issued for a previous conversation are discarded.
type Feed struct {
	fetcher PageFetcher
	sub     Subscriber
	opts    Options
	log     *zap.Logger

	mu             sync.Mutex
	conv           string
	gen            uint64
	store          *PageStore
	pager          *BackwardPager
	anchor         ScrollAnchorController
	recon          *LiveReconciler
	viewport       Viewport
	loadingInitial bool
	loadingMore    bool
	totalCount     int
	err            error
	degraded       bool
	pending        []liveEvent
	unsubscribe    func()
	lastScrollTop  float64
	scrollSeen     bool
}

func New(fetcher PageFetcher, sub Subscriber, opts Options) *Feed {
	opts = opts.withDefaults()
	store := NewPageStore()
	return &Feed{
		fetcher: fetcher,
		sub:     sub,
		opts:    opts,
		log:     opts.Logger.With(zap.String("component", "feed")),
		store:   store,
		pager:   NewBackwardPager(opts.LoadMoreBatchSize, opts.Debounce, opts.Now),
		recon:   NewLiveReconciler(store, opts.MatchTolerance),
	}
}

// Open switches the feed to conversationID: it drops the previous window and
// subscription, subscribes to live changes and loads the newest page.
// A failed load is returned as *FetchError and kept in State().Err.
func (f *Feed) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrInvalidArgument
	}

	f.mu.Lock()
	old := f.teardownLocked()
	f.conv = conversationID
	f.loadingInitial = true
	gen := f.gen
	f.mu.Unlock()
	if old != nil {
		old()
	}
	f.notify()

	if f.sub != nil {
		unsub, err := f.sub.Subscribe(ctx, conversationID, f.handlers(gen))
		f.mu.Lock()
		switch {
		case gen != f.gen:
			f.mu.Unlock()
			if unsub != nil {
				unsub()
			}
			return ErrSuperseded
		case err != nil:
			f.degraded = true
			f.log.Warn("live subscribe failed", zap.String("conv_id", conversationID), zap.Error(err))
			f.opts.Observer.ChannelFailed()
		default:
			f.unsubscribe = unsub
		}
		f.mu.Unlock()
	}

	total, cerr := f.fetcher.CountMessages(ctx, conversationID)
	rows, err := f.fetcher.FetchPage(ctx, conversationID, nil, f.opts.InitialBatchSize)

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return ErrSuperseded
	}
	f.loadingInitial = false
	if err != nil {
		ferr := &FetchError{Op: FetchInitial, ConversationID: conversationID, Err: err}
		f.err = ferr
		f.replayPendingLocked()
		f.mu.Unlock()
		f.log.Warn("initial load failed", zap.String("conv_id", conversationID), zap.Error(err))
		f.opts.Observer.FetchFailed(FetchInitial)
		f.notify()
		return ferr
	}

	// sends issued while loading live only in the window; carry them over
	local := f.store.provisional()
	reverse(rows)
	f.store.Load(rows)
	for _, m := range local {
		if !f.store.hasCorrelation(m.CorrelationID) {
			f.store.insert(m)
		}
	}
	hasMore := total > f.opts.InitialBatchSize
	if cerr != nil {
		f.log.Warn("message count failed", zap.String("conv_id", conversationID), zap.Error(cerr))
		total = len(rows)
		hasMore = len(rows) >= f.opts.InitialBatchSize
	}
	f.totalCount = total
	f.pager.Reset(hasMore)
	f.replayPendingLocked()
	f.mu.Unlock()

	f.opts.Observer.PageFetched(FetchInitial, len(rows))
	f.notify()
	return nil
}

// Close drops the window and tears down the live subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	old := f.teardownLocked()
	f.mu.Unlock()
	if old != nil {
		old()
	}
	f.notify()
}

// teardownLocked resets per-conversation state and returns the previous
// unsubscribe func, which must be called after the lock is released.
func (f *Feed) teardownLocked() func() {
	unsub := f.unsubscribe
	f.unsubscribe = nil
	f.gen++
	f.conv = ""
	f.store.Reset()
	f.pager.Reset(false)
	f.anchor.Abandon()
	f.loadingInitial = false
	f.loadingMore = false
	f.totalCount = 0
	f.err = nil
	f.degraded = false
	f.pending = nil
	f.scrollSeen = false
	f.lastScrollTop = 0
	return unsub
}

// AttachViewport sets the viewport used for anchor capture.
func (f *Feed) AttachViewport(vp Viewport) {
	f.mu.Lock()
	f.viewport = vp
	f.mu.Unlock()
}

// RequestMore fetches the next older page. It reports whether a fetch was
// issued; guarded calls return (false, nil) immediately.
func (f *Feed) RequestMore(ctx context.Context) (bool, error) {
	f.mu.Lock()
	if f.conv == "" || f.loadingInitial || f.anchor.Busy() {
		f.mu.Unlock()
		return false, nil
	}
	cursor, ok := f.store.Cursor()
	if !f.pager.TryBegin(ok) {
		f.mu.Unlock()
		return false, nil
	}
	gen, conv := f.gen, f.conv
	f.loadingMore = true
	f.anchor.Capture(f.viewport)
	f.mu.Unlock()
	f.notify()

	rows, err := f.fetcher.FetchPage(ctx, conv, &cursor, f.opts.LoadMoreBatchSize)

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return true, ErrSuperseded
	}
	f.loadingMore = false
	f.pager.Finish(len(rows), err)
	if err != nil {
		f.anchor.Abandon()
		ferr := &FetchError{Op: FetchOlder, ConversationID: conv, Err: err}
		f.err = ferr
		f.mu.Unlock()
		f.log.Warn("older page fetch failed", zap.String("conv_id", conv), zap.Error(err))
		f.opts.Observer.FetchFailed(FetchOlder)
		f.notify()
		return true, ferr
	}
	f.err = nil
	reverse(rows)
	added, dropped := f.store.PrependOlder(rows)
	if added == 0 {
		f.anchor.Abandon()
	} else {
		f.anchor.Ready(f.store.Version())
	}
	f.mu.Unlock()

	if len(dropped) > 0 {
		f.log.Warn("dropped rows from older page", zap.Error(&ReconcileAnomaly{ConversationID: conv, IDs: dropped}))
		f.opts.Observer.Anomaly(len(dropped))
	}
	f.opts.Observer.PageFetched(FetchOlder, len(rows))
	f.notify()
	return true, nil
}

// OnViewportScrolled applies the trigger policy: a backward fetch starts when
// the viewport moves upward and its scroll offset is under ScrollThreshold.
func (f *Feed) OnViewportScrolled(ctx context.Context, vp Viewport) (bool, error) {
	if !f.ObserveScroll(vp) {
		return false, nil
	}
	return f.RequestMore(ctx)
}

// ObserveScroll records the viewport position and reports whether the move
// should trigger a backward fetch. It does no I/O; hosts that run fetches on
// their own goroutines call it in event order and RequestMore when it is true.
func (f *Feed) ObserveScroll(vp Viewport) bool {
	if vp == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewport = vp
	top := vp.ScrollTop()
	upward := f.scrollSeen && top < f.lastScrollTop
	f.lastScrollTop = top
	f.scrollSeen = true
	return upward && top < f.opts.ScrollThreshold
}

// Rendered tells the feed that the UI committed window version v. A pending
// scroll restore runs here.
func (f *Feed) Rendered(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if delta, ok := f.anchor.Restore(v); ok {
		f.lastScrollTop += delta
	}
}

// Send appends a provisional message and hands it to the Sender. The
// confirmed record is reconciled like a live insert; on failure the
// provisional entry is marked failed.
func (f *Feed) Send(ctx context.Context, d Draft) (Message, error) {
	if d.Content == "" && d.MediaURL == "" {
		return Message{}, ErrInvalidArgument
	}
	if d.SenderKind == "" {
		d.SenderKind = SenderHuman
	}

	f.mu.Lock()
	if f.conv == "" {
		f.mu.Unlock()
		return Message{}, ErrNotOpen
	}
	corr := f.opts.NewID()
	m := Message{
		ID:             "local-" + corr,
		ConversationID: f.conv,
		CreatedAt:      f.opts.Now(),
		Content:        d.Content,
		Direction:      DirectionOutbound,
		SenderKind:     d.SenderKind,
		Status:         StatusSending,
		CorrelationID:  corr,
		ReplyToID:      d.ReplyToID,
		MediaURL:       d.MediaURL,
		Provisional:    true,
	}
	f.store.insert(m)
	gen := f.gen
	f.mu.Unlock()
	f.notify()

	if f.opts.Sender == nil {
		return m, nil
	}
	confirmed, err := f.opts.Sender.Send(ctx, m)
	if err != nil {
		f.mu.Lock()
		changed := gen == f.gen && f.store.markFailed(m.ID)
		f.mu.Unlock()
		if changed {
			f.notify()
		}
		return m, fmt.Errorf("feed: send: %w", err)
	}
	f.applyInsert(gen, confirmed)
	return confirmed, nil
}

// MarkRead sets inbound messages to read locally and persists the change.
func (f *Feed) MarkRead(ctx context.Context, ids ...string) error {
	read := StatusRead
	f.mu.Lock()
	conv := f.conv
	var changed []string
	for _, id := range ids {
		m, ok := f.store.Get(id)
		if !ok || m.Direction != DirectionInbound || m.Status == StatusRead {
			continue
		}
		f.store.UpdateFields(id, Patch{Status: &read})
		changed = append(changed, id)
	}
	f.mu.Unlock()
	if len(changed) == 0 {
		return nil
	}
	f.notify()

	if f.opts.StatusWriter == nil {
		return nil
	}
	var errs []error
	for _, id := range changed {
		if err := f.opts.StatusWriter.UpdateStatus(ctx, conv, id, StatusRead); err != nil {
			errs = append(errs, fmt.Errorf("feed: mark read %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Messages returns the ordered window.
func (f *Feed) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.Messages()
}

func (f *Feed) State() PaginationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *Feed) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		ConversationID: f.conv,
		Version:        f.store.Version(),
		Messages:       f.store.Messages(),
		State:          f.stateLocked(),
	}
}

// Anchor exposes the scroll anchor, mostly for diagnostics.
func (f *Feed) Anchor() ScrollAnchor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.anchor.Anchor()
}

func (f *Feed) stateLocked() PaginationState {
	st := PaginationState{
		HasMore:          f.pager.HasMore(),
		IsLoadingInitial: f.loadingInitial,
		IsLoadingMore:    f.loadingMore,
		TotalCount:       f.totalCount,
		ChannelDegraded:  f.degraded,
		Err:              f.err,
	}
	if c, ok := f.store.Cursor(); ok {
		st.OldestLoadedAt = c
	}
	return st
}

func (f *Feed) handlers(gen uint64) Handlers {
	return Handlers{
		OnInsert: func(m Message) { f.applyInsert(gen, m) },
		OnUpdate: func(u Update) { f.applyUpdate(gen, u) },
		OnError:  func(err error) { f.channelFailed(gen, err) },
	}
}

func (f *Feed) applyInsert(gen uint64, m Message) {
	f.mu.Lock()
	if gen != f.gen || (m.ConversationID != "" && m.ConversationID != f.conv) {
		f.mu.Unlock()
		return
	}
	if f.loadingInitial {
		f.pending = append(f.pending, liveEvent{insert: &m})
		f.mu.Unlock()
		return
	}
	outcome := f.recon.Insert(m, f.pager.HasMore())
	f.mu.Unlock()

	f.opts.Observer.Reconciled(outcome)
	if outcome.Changed() {
		f.notify()
	}
}

func (f *Feed) applyUpdate(gen uint64, u Update) {
	f.mu.Lock()
	if gen != f.gen || (u.ConversationID != "" && u.ConversationID != f.conv) {
		f.mu.Unlock()
		return
	}
	if f.loadingInitial {
		f.pending = append(f.pending, liveEvent{update: &u})
		f.mu.Unlock()
		return
	}
	changed := f.recon.Update(u)
	f.mu.Unlock()
	if changed {
		f.notify()
	}
}

func (f *Feed) channelFailed(gen uint64, err error) {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	f.degraded = true
	conv := f.conv
	f.mu.Unlock()

	f.log.Warn("live channel degraded", zap.Error(&ChannelError{ConversationID: conv, Err: err}))
	f.opts.Observer.ChannelFailed()
	f.notify()
}

// replayPendingLocked applies live events that arrived during the initial load.
func (f *Feed) replayPendingLocked() {
	for _, ev := range f.pending {
		switch {
		case ev.insert != nil:
			f.opts.Observer.Reconciled(f.recon.Insert(*ev.insert, f.pager.HasMore()))
		case ev.update != nil:
			f.recon.Update(*ev.update)
		}
	}
	f.pending = nil
}

func (f *Feed) notify() {
	if f.opts.OnChange != nil {
		f.opts.OnChange()
	}
}

func reverse(rows []Message) {
	slices.Reverse(rows)
}
