package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu       sync.Mutex
	rows     []Message // ascending
	calls    int
	failOn   map[int]error
	countErr error

	// when gate is set, FetchPage signals started and blocks until gate closes
	gate    chan struct{}
	started chan struct{}
	hook    func(call int)
}

func seedRows(conv string, n int) []Message {
	rows := make([]Message, 0, n)
	for i := 1; i <= n; i++ {
		m := msg(fmt.Sprintf("m%02d", i), i)
		m.ConversationID = conv
		rows = append(rows, m)
	}
	return rows
}

func newFakeFetcher(rows ...Message) *fakeFetcher {
	return &fakeFetcher{rows: rows, failOn: make(map[int]error)}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, conv string, before *time.Time, limit int) ([]Message, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	gate, started, hook := f.gate, f.started, f.hook
	err := f.failOn[n]
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for i := len(f.rows) - 1; i >= 0 && len(out) < limit; i-- {
		m := f.rows[i]
		if m.ConversationID != conv {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeFetcher) CountMessages(_ context.Context, conv string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	n := 0
	for _, m := range f.rows {
		if m.ConversationID == conv {
			n++
		}
	}
	return n, nil
}

func (f *fakeFetcher) block() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 4)
	f.mu.Unlock()
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubscriber struct {
	mu     sync.Mutex
	subs   map[string]Handlers
	unsubs int
	err    error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subs: make(map[string]Handlers)}
}

func (s *fakeSubscriber) Subscribe(_ context.Context, conv string, h Handlers) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.subs[conv] = h
	return func() {
		s.mu.Lock()
		s.unsubs++
		delete(s.subs, conv)
		s.mu.Unlock()
	}, nil
}

func (s *fakeSubscriber) handlers(conv string) Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[conv]
}

type fakeSender struct {
	err  error
	sent []Message
}

func (s *fakeSender) Send(_ context.Context, m Message) (Message, error) {
	s.sent = append(s.sent, m)
	if s.err != nil {
		return Message{}, s.err
	}
	m.ID = "srv-" + m.CorrelationID
	m.Provisional = false
	m.Status = StatusSent
	return m, nil
}

type fakeStatusWriter struct {
	mu      sync.Mutex
	written map[string]Status
	err     error
}

func (w *fakeStatusWriter) UpdateStatus(_ context.Context, _ string, id string, st Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.written == nil {
		w.written = make(map[string]Status)
	}
	w.written[id] = st
	return nil
}

type harness struct {
	feed    *Feed
	fetcher *fakeFetcher
	sub     *fakeSubscriber
	clock   *fakeClock
	changes int
}

func newHarness(t *testing.T, rows []Message, opts Options) *harness {
	t.Helper()
	h := &harness{
		fetcher: newFakeFetcher(rows...),
		sub:     newFakeSubscriber(),
		clock:   newFakeClock(),
	}
	opts.Now = h.clock.Now
	n := 0
	opts.NewID = func() string {
		n++
		return fmt.Sprintf("corr-%d", n)
	}
	var mu sync.Mutex
	opts.OnChange = func() {
		mu.Lock()
		h.changes++
		mu.Unlock()
	}
	h.feed = New(h.fetcher, h.sub, opts)
	return h
}

func TestFeedOpenLoadsNewestPage(t *testing.T) {
	h := newHarness(t, seedRows("c1", 80), Options{})

	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	ms := h.feed.Messages()
	require.Len(t, ms, 50)
	assertSorted(t, ms)
	assert.Equal(t, "m31", ms[0].ID)
	assert.Equal(t, "m80", ms[49].ID)

	st := h.feed.State()
	assert.True(t, st.HasMore)
	assert.False(t, st.IsLoadingInitial)
	assert.Equal(t, 80, st.TotalCount)
	assert.Equal(t, ms[0].CreatedAt, st.OldestLoadedAt)
	assert.NoError(t, st.Err)
}

func TestFeedOpenRejectsEmptyConversation(t *testing.T) {
	h := newHarness(t, nil, Options{})
	assert.ErrorIs(t, h.feed.Open(context.Background(), ""), ErrInvalidArgument)
}

func TestFeedOpenSmallConversation(t *testing.T) {
	h := newHarness(t, seedRows("c1", 7), Options{})
	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	assert.Len(t, h.feed.Messages(), 7)
	assert.False(t, h.feed.State().HasMore)

	issued, err := h.feed.RequestMore(context.Background())
	assert.NoError(t, err)
	assert.False(t, issued)
	assert.Equal(t, 1, h.fetcher.Calls())
}

func TestFeedOpenCountFailureFallsBack(t *testing.T) {
	h := newHarness(t, seedRows("c1", 80), Options{})
	h.fetcher.countErr = errors.New("count timeout")

	require.NoError(t, h.feed.Open(context.Background(), "c1"))
	st := h.feed.State()
	assert.True(t, st.HasMore)
	assert.Equal(t, 50, st.TotalCount)
}

func TestFeedOpenFailure(t *testing.T) {
	h := newHarness(t, seedRows("c1", 10), Options{})
	h.fetcher.failOn[1] = errors.New("connection refused")

	err := h.feed.Open(context.Background(), "c1")
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, FetchInitial, ferr.Op)

	st := h.feed.State()
	assert.ErrorAs(t, st.Err, &ferr)
	assert.False(t, st.IsLoadingInitial)
	assert.Empty(t, h.feed.Messages())
}

func TestFeedScrollBackThroughHistory(t *testing.T) {
	h := newHarness(t, seedRows("c1", 80), Options{})
	ctx := context.Background()
	require.NoError(t, h.feed.Open(ctx, "c1"))

	issued, err := h.feed.RequestMore(ctx)
	require.NoError(t, err)
	require.True(t, issued)
	assert.Len(t, h.feed.Messages(), 80)
	assert.True(t, h.feed.State().HasMore, "full page leaves hasMore set")

	h.clock.Advance(time.Second)
	issued, err = h.feed.RequestMore(ctx)
	require.NoError(t, err)
	require.True(t, issued)
	assert.False(t, h.feed.State().HasMore)
	assert.Len(t, h.feed.Messages(), 80)

	h.clock.Advance(time.Second)
	issued, _ = h.feed.RequestMore(ctx)
	assert.False(t, issued)
	assert.Equal(t, 3, h.fetcher.Calls())

	ms := h.feed.Messages()
	assertSorted(t, ms)
	assert.Equal(t, "m01", ms[0].ID)
}

func TestFeedShortPageEndsPagination(t *testing.T) {
	h := newHarness(t, seedRows("c1", 62), Options{})
	ctx := context.Background()
	require.NoError(t, h.feed.Open(ctx, "c1"))

	issued, err := h.feed.RequestMore(ctx)
	require.NoError(t, err)
	require.True(t, issued)
	assert.Len(t, h.feed.Messages(), 62)
	assert.False(t, h.feed.State().HasMore)
}

func TestFeedRequestMoreSingleFlight(t *testing.T) {
	h := newHarness(t, seedRows("c1", 80), Options{})
	ctx := context.Background()
	require.NoError(t, h.feed.Open(ctx, "c1"))
	h.fetcher.block()

	done := make(chan error, 1)
	go func() {
		_, err := h.feed.RequestMore(ctx)
		done <- err
	}()
	<-h.fetcher.started

	assert.True(t, h.feed.State().IsLoadingMore)
	h.clock.Advance(time.Second)
	issued, err := h.feed.RequestMore(ctx)
	assert.NoError(t, err)
	assert.False(t, issued)

	close(h.fetcher.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 2, h.fetcher.Calls())
	assert.False(t, h.feed.State().IsLoadingMore)
}

func TestFeedOlderPageFailure(t *testing.T) {
	h := newHarness(t, seedRows("c1", 80), Options{})
	ctx := context.Background()
	require.NoError(t, h.feed.Open(ctx, "c1"))
	h.fetcher.failOn[2] = errors.New("network unreachable")

	vp := newFakeViewport()
	vp.render(h.feed.Messages())
	h.feed.AttachViewport(vp)
	before := h.feed.Messages()

	issued, err := h.feed.RequestMore(ctx)
	assert.True(t, issued)
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, FetchOlder, ferr.Op)

	st := h.feed.State()
	assert.False(t, st.IsLoadingMore)
	assert.True(t, st.HasMore)
	assert.Equal(t, PhaseIdle, h.feed.Anchor().Phase)
	assert.Equal(t, 0.0, vp.top)
	assert.Equal(t, before, h.feed.Messages())

	h.clock.Advance(time.Second)
	issued, err = h.feed.RequestMore(ctx)
	assert.True(t, issued)
	assert.NoError(t, err)
	assert.Len(t, h.feed.Messages(), 80)
	assert.NoError(t, h.feed.State().Err)
}

func TestFeedAnchorStableAcrossPrepend(t *testing.T) {
	h := newHarness(t, seedRows("c1", 80), Options{})
	ctx := context.Background()
	require.NoError(t, h.feed.Open(ctx, "c1"))

	vp := newFakeViewport()
	snap := h.feed.Snapshot()
	vp.render(snap.Messages)
	h.feed.Rendered(snap.Version)

	vp.top = 600
	issued, err := h.feed.OnViewportScrolled(ctx, vp)
	require.NoError(t, err)
	require.False(t, issued, "first sample only records the position")

	vp.top = 60
	anchorID, anchorOff, ok := vp.FirstVisibleItem()
	require.True(t, ok)

	issued, err = h.feed.OnViewportScrolled(ctx, vp)
	require.NoError(t, err)
	require.True(t, issued)
	a := h.feed.Anchor()
	assert.Equal(t, PhaseAwaitingData, a.Phase)
	assert.Equal(t, anchorID, a.MessageID)

	h.clock.Advance(time.Second)
	issued, _ = h.feed.RequestMore(ctx)
	assert.False(t, issued, "anchor restore pending")

	snap = h.feed.Snapshot()
	vp.render(snap.Messages)
	moved, _ := vp.ItemOffset(anchorID)
	assert.Greater(t, moved, anchorOff)

	h.feed.Rendered(snap.Version - 1)
	assert.Equal(t, PhaseAwaitingData, h.feed.Anchor().Phase)

	h.feed.Rendered(snap.Version)
	off, ok := vp.ItemOffset(anchorID)
	require.True(t, ok)
	assert.InDelta(t, anchorOff, off, 1)
	assert.Equal(t, PhaseIdle, h.feed.Anchor().Phase)
}

func TestFeedScrollDownDoesNotTrigger(t *testing.T) {
	h := newHarness(t, seedRows("c1", 80), Options{})
	ctx := context.Background()
	require.NoError(t, h.feed.Open(ctx, "c1"))

	vp := newFakeViewport()
	vp.render(h.feed.Messages())
	vp.top = 10
	_, _ = h.feed.OnViewportScrolled(ctx, vp)
	vp.top = 50
	issued, err := h.feed.OnViewportScrolled(ctx, vp)
	assert.NoError(t, err)
	assert.False(t, issued)

	vp.top = 400
	_, _ = h.feed.OnViewportScrolled(ctx, vp)
	vp.top = 300
	issued, _ = h.feed.OnViewportScrolled(ctx, vp)
	assert.False(t, issued, "above threshold")
	assert.Equal(t, 1, h.fetcher.Calls())
}

func TestFeedObserveScrollHasNoSideEffects(t *testing.T) {
	h := newHarness(t, seedRows("c1", 80), Options{})
	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	vp := newFakeViewport()
	vp.render(h.feed.Messages())
	assert.False(t, h.feed.ObserveScroll(nil))

	vp.top = 300
	assert.False(t, h.feed.ObserveScroll(vp), "first observation has no direction")
	vp.top = 40
	assert.True(t, h.feed.ObserveScroll(vp))
	vp.top = 20
	assert.True(t, h.feed.ObserveScroll(vp))
	assert.Equal(t, 1, h.fetcher.Calls())
}

func TestFeedLiveInsertAndRedelivery(t *testing.T) {
	h := newHarness(t, seedRows("c1", 10), Options{})
	require.NoError(t, h.feed.Open(context.Background(), "c1"))
	hd := h.sub.handlers("c1")
	require.NotNil(t, hd.OnInsert)

	live := msg("m11", 11)
	hd.OnInsert(live)
	hd.OnInsert(live)

	ms := h.feed.Messages()
	assert.Len(t, ms, 11)
	assert.Equal(t, "m11", ms[10].ID)

	read := StatusRead
	hd.OnUpdate(Update{ID: "m11", ConversationID: "c1", Patch: Patch{Status: &read}})
	ms = h.feed.Messages()
	assert.Equal(t, StatusRead, ms[10].Status)

	other := msg("x1", 12)
	other.ConversationID = "c2"
	hd.OnInsert(other)
	assert.Len(t, h.feed.Messages(), 11)
}

func TestFeedLiveEventsDuringInitialLoadAreReplayed(t *testing.T) {
	h := newHarness(t, seedRows("c1", 10), Options{})
	h.fetcher.hook = func(call int) {
		if call != 1 {
			return
		}
		hd := h.sub.handlers("c1")
		hd.OnInsert(msg("m10", 10))
		hd.OnInsert(msg("m11", 11))
		delivered := StatusDelivered
		hd.OnUpdate(Update{ID: "m09", Patch: Patch{Status: &delivered}})
	}

	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	ms := h.feed.Messages()
	require.Len(t, ms, 11)
	assert.Equal(t, "m09", ms[8].ID)
	assert.Equal(t, StatusDelivered, ms[8].Status)
	assert.Equal(t, "m11", ms[10].ID)
}

func TestFeedSendOptimisticThenConfirmed(t *testing.T) {
	sender := &fakeSender{}
	h := newHarness(t, seedRows("c1", 5), Options{Sender: sender})
	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	got, err := h.feed.Send(context.Background(), Draft{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "srv-corr-1", got.ID)

	ms := h.feed.Messages()
	require.Len(t, ms, 6)
	last := ms[5]
	assert.Equal(t, "srv-corr-1", last.ID)
	assert.Equal(t, StatusSent, last.Status)
	assert.False(t, last.Provisional)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "local-corr-1", sender.sent[0].ID)
	assert.Equal(t, StatusSending, sender.sent[0].Status)

	// the same record echoed by the live channel
	h.sub.handlers("c1").OnInsert(got)
	assert.Len(t, h.feed.Messages(), 6)
}

func TestFeedSendLiveEchoBeforeAck(t *testing.T) {
	h := newHarness(t, seedRows("c1", 5), Options{})
	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	prov, err := h.feed.Send(context.Background(), Draft{Content: "hi there"})
	require.NoError(t, err)
	assert.True(t, prov.Provisional)
	ms := h.feed.Messages()
	require.Len(t, ms, 6)
	pos := 5

	echo := outbound("srv-1", "hi there", prov.CreatedAt)
	echo.CorrelationID = prov.CorrelationID
	h.sub.handlers("c1").OnInsert(echo)
	h.sub.handlers("c1").OnInsert(echo)

	ms = h.feed.Messages()
	require.Len(t, ms, 6)
	assert.Equal(t, "srv-1", ms[pos].ID)
	assert.Equal(t, StatusSent, ms[pos].Status)
}

func TestFeedSendFailureMarksFailed(t *testing.T) {
	h := newHarness(t, seedRows("c1", 5), Options{Sender: &fakeSender{err: errors.New("503")}})
	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	_, err := h.feed.Send(context.Background(), Draft{Content: "x"})
	require.Error(t, err)

	ms := h.feed.Messages()
	require.Len(t, ms, 6)
	assert.Equal(t, StatusFailed, ms[5].Status)
	assert.True(t, ms[5].Provisional)
}

func TestFeedSendDuringInitialLoadSurvivesLoad(t *testing.T) {
	sender := &fakeSender{err: errors.New("boom")}
	h := newHarness(t, seedRows("c1", 5), Options{Sender: sender})
	var sendErr error
	h.fetcher.hook = func(call int) {
		if call == 1 {
			_, sendErr = h.feed.Send(context.Background(), Draft{Content: "hello"})
		}
	}

	require.NoError(t, h.feed.Open(context.Background(), "c1"))
	require.Error(t, sendErr)

	ms := h.feed.Messages()
	require.Len(t, ms, 6)
	assert.Equal(t, "local-corr-1", ms[5].ID)
	assert.Equal(t, "hello", ms[5].Content)
	assert.Equal(t, StatusFailed, ms[5].Status)
	assert.True(t, ms[5].Provisional)
}

func TestFeedSendDuringInitialLoadConfirmedOnReplay(t *testing.T) {
	h := newHarness(t, seedRows("c1", 5), Options{Sender: &fakeSender{}})
	h.fetcher.hook = func(call int) {
		if call == 1 {
			_, err := h.feed.Send(context.Background(), Draft{Content: "hello"})
			assert.NoError(t, err)
		}
	}

	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	ms := h.feed.Messages()
	require.Len(t, ms, 6)
	assert.Equal(t, "srv-corr-1", ms[5].ID)
	assert.False(t, ms[5].Provisional)
}

func TestFeedSendDuringInitialLoadAlreadyFetched(t *testing.T) {
	rows := seedRows("c1", 5)
	h := newHarness(t, rows, Options{})
	h.fetcher.hook = func(call int) {
		if call != 1 {
			return
		}
		prov, err := h.feed.Send(context.Background(), Draft{Content: "hello"})
		require.NoError(t, err)
		// the server stored it before the page query ran
		stored := outbound("srv-9", "hello", prov.CreatedAt)
		stored.CorrelationID = prov.CorrelationID
		h.fetcher.mu.Lock()
		h.fetcher.rows = append(h.fetcher.rows, stored)
		h.fetcher.mu.Unlock()
	}

	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	ms := h.feed.Messages()
	require.Len(t, ms, 6)
	assert.Equal(t, "srv-9", ms[5].ID)
}

func TestFeedSendValidation(t *testing.T) {
	h := newHarness(t, nil, Options{})
	_, err := h.feed.Send(context.Background(), Draft{Content: "x"})
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, h.feed.Open(context.Background(), "c1"))
	_, err = h.feed.Send(context.Background(), Draft{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFeedMarkRead(t *testing.T) {
	w := &fakeStatusWriter{}
	h := newHarness(t, seedRows("c1", 3), Options{StatusWriter: w})
	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	require.NoError(t, h.feed.MarkRead(context.Background(), "m02", "m03", "missing"))
	assert.Equal(t, map[string]Status{"m02": StatusRead, "m03": StatusRead}, w.written)

	w.err = errors.New("db down")
	err := h.feed.MarkRead(context.Background(), "m01")
	assert.ErrorContains(t, err, "db down")
	assert.NoError(t, h.feed.MarkRead(context.Background(), "m01"), "already read locally")
}

func TestFeedSwitchDiscardsStaleFetch(t *testing.T) {
	rows := append(seedRows("c1", 80), seedRows("c2", 5)...)
	h := newHarness(t, rows, Options{})
	ctx := context.Background()
	require.NoError(t, h.feed.Open(ctx, "c1"))
	h.fetcher.block()

	done := make(chan error, 1)
	go func() {
		_, err := h.feed.RequestMore(ctx)
		done <- err
	}()
	<-h.fetcher.started

	h.fetcher.mu.Lock()
	gate := h.fetcher.gate
	h.fetcher.gate = nil
	h.fetcher.mu.Unlock()

	require.NoError(t, h.feed.Open(ctx, "c2"))
	assert.Equal(t, 1, h.sub.unsubs)
	close(gate)
	assert.ErrorIs(t, <-done, ErrSuperseded)

	snap := h.feed.Snapshot()
	assert.Equal(t, "c2", snap.ConversationID)
	assert.Len(t, snap.Messages, 5)
	for _, m := range snap.Messages {
		assert.Equal(t, "c2", m.ConversationID)
	}
	assert.False(t, snap.State.IsLoadingMore)
}

func TestFeedStaleLiveHandlerIgnored(t *testing.T) {
	rows := append(seedRows("c1", 3), seedRows("c2", 3)...)
	h := newHarness(t, rows, Options{})
	ctx := context.Background()
	require.NoError(t, h.feed.Open(ctx, "c1"))
	old := h.sub.handlers("c1")

	require.NoError(t, h.feed.Open(ctx, "c2"))
	late := msg("late", 99)
	late.ConversationID = ""
	old.OnInsert(late)

	assert.Len(t, h.feed.Messages(), 3)
}

func TestFeedSubscribeFailureDegrades(t *testing.T) {
	h := newHarness(t, seedRows("c1", 3), Options{})
	h.sub.err = errors.New("redis: connection refused")

	require.NoError(t, h.feed.Open(context.Background(), "c1"))
	st := h.feed.State()
	assert.True(t, st.ChannelDegraded)
	assert.Len(t, h.feed.Messages(), 3)
}

func TestFeedChannelErrorKeepsWindow(t *testing.T) {
	h := newHarness(t, seedRows("c1", 3), Options{})
	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	h.sub.handlers("c1").OnError(errors.New("subscription closed"))
	assert.True(t, h.feed.State().ChannelDegraded)
	assert.Len(t, h.feed.Messages(), 3)
}

func TestFeedCloseUnsubscribes(t *testing.T) {
	h := newHarness(t, seedRows("c1", 3), Options{})
	require.NoError(t, h.feed.Open(context.Background(), "c1"))

	h.feed.Close()
	assert.Equal(t, 1, h.sub.unsubs)
	assert.Empty(t, h.feed.Messages())
	assert.Equal(t, "", h.feed.Snapshot().ConversationID)
	assert.Positive(t, h.changes)
}
