package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/im-feed/internal/auth"
	"github.com/lzyats/im-feed/internal/realtime"
	"github.com/lzyats/im-feed/pkg/event"
	"github.com/lzyats/im-feed/pkg/feed"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// memFetcher serves rows (oldest first) like the MySQL repo does.
type memFetcher struct {
	mu   sync.Mutex
	rows []feed.Message
	max  int
}

func seed(conv string, n int) *memFetcher {
	f := &memFetcher{}
	for i := 1; i <= n; i++ {
		f.rows = append(f.rows, feed.Message{
			ID:             fmt.Sprintf("m%02d", i),
			ConversationID: conv,
			CreatedAt:      t0.Add(time.Duration(i) * time.Minute),
			Content:        "body",
			Direction:      feed.DirectionInbound,
			SenderKind:     feed.SenderHuman,
			Status:         feed.StatusSent,
		})
	}
	return f
}

func (f *memFetcher) FetchPage(_ context.Context, conv string, before *time.Time, limit int) ([]feed.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.max > 0 && limit > f.max {
		limit = f.max
	}
	var out []feed.Message
	for i := len(f.rows) - 1; i >= 0 && len(out) < limit; i-- {
		m := f.rows[i]
		if m.ConversationID != conv || (before != nil && !m.CreatedAt.Before(*before)) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *memFetcher) CountMessages(_ context.Context, conv string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.ConversationID == conv {
			n++
		}
	}
	return n, nil
}

type echoSender struct{}

func (echoSender) Send(_ context.Context, m feed.Message) (feed.Message, error) {
	m.ID = "srv-" + m.CorrelationID
	m.Status = feed.StatusSent
	m.Provisional = false
	return m, nil
}

func dial(t *testing.T, h http.Handler, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeFrame(t *testing.T, c *websocket.Conn, f ClientFrame) {
	t.Helper()
	require.NoError(t, c.WriteJSON(f))
}

func readUntil(t *testing.T, c *websocket.Conn, match func(ServerFrame) bool) ServerFrame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, b, err := c.ReadMessage()
		require.NoError(t, err)
		var f ServerFrame
		require.NoError(t, json.Unmarshal(b, &f))
		if match(f) {
			return f
		}
	}
}

func loaded(n int) func(ServerFrame) bool {
	return func(f ServerFrame) bool {
		return f.Type == TypeSnapshot && !f.Snapshot.State.IsLoadingInitial && !f.Snapshot.State.IsLoadingMore &&
			len(f.Snapshot.Messages) == n
	}
}

func TestSessionOpenSendAndLive(t *testing.T) {
	hub := realtime.NewHub()
	// sends are stamped between the seeded history and the live insert below
	sentAt := t0.Add(30 * time.Minute)
	s := NewServer(seed("c1", 12), hub, nil, Options{Feed: feed.Options{
		InitialBatchSize:  5,
		LoadMoreBatchSize: 5,
		Sender:            echoSender{},
		Now:               func() time.Time { return sentAt },
	}})
	c := dial(t, s, "?conv_id=c1")

	snap := readUntil(t, c, loaded(5)).Snapshot
	assert.Equal(t, "c1", snap.ConversationID)
	assert.Equal(t, "m08", snap.Messages[0].ID)
	assert.Equal(t, 12, snap.State.TotalCount)
	assert.True(t, snap.State.HasMore)

	writeFrame(t, c, ClientFrame{Op: OpSend, ReqID: "r1", Content: "hello"})
	// the ack and the confirmed snapshot may arrive in either order
	var ack *ServerFrame
	var confirmed string
	readUntil(t, c, func(f ServerFrame) bool {
		switch {
		case f.Type == TypeAck:
			ack = &f
		case f.Type == TypeSnapshot && len(f.Snapshot.Messages) == 6 && !f.Snapshot.Messages[5].Provisional:
			confirmed = f.Snapshot.Messages[5].ID
		}
		return ack != nil && confirmed != ""
	})
	assert.Equal(t, "r1", ack.ReqID)
	require.NotNil(t, ack.Msg)
	assert.True(t, strings.HasPrefix(ack.Msg.ID, "srv-"))
	assert.Equal(t, ack.Msg.ID, confirmed)

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Dispatch(event.NewInsert(feed.Message{
		ID:             "m99",
		ConversationID: "c1",
		CreatedAt:      t0.Add(time.Hour),
		Content:        "live",
		Direction:      feed.DirectionInbound,
		SenderKind:     feed.SenderHuman,
		Status:         feed.StatusSent,
	}, ""))
	snap = readUntil(t, c, loaded(7)).Snapshot
	assert.Equal(t, []string{"m08", "m09", "m10", "m11", "m12", confirmed, "m99"}, msgIDs(snap.Messages))

	writeFrame(t, c, ClientFrame{Op: "bogus", ReqID: "r2"})
	e := readUntil(t, c, func(f ServerFrame) bool { return f.Type == TypeError })
	assert.Equal(t, "r2", e.ReqID)
	assert.Equal(t, errUnknownOp.Error(), e.Error)
}

func boxes(ids []string, scrollTop float64) []feed.ItemBox {
	out := make([]feed.ItemBox, 0, len(ids))
	for i, id := range ids {
		top := float64(i)*50 - scrollTop
		out = append(out, feed.ItemBox{ID: id, Top: top, Bottom: top + 50})
	}
	return out
}

func msgIDs(ms []feed.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func TestSessionScrollBackKeepsAnchor(t *testing.T) {
	s := NewServer(seed("c1", 12), realtime.NewHub(), nil, Options{Feed: feed.Options{
		InitialBatchSize:  5,
		LoadMoreBatchSize: 5,
	}})
	c := dial(t, s, "?conv_id=c1")

	first := readUntil(t, c, loaded(5)).Snapshot
	ids := msgIDs(first.Messages)

	writeFrame(t, c, ClientFrame{Op: OpScroll, Geometry: &Geometry{ScrollTop: 60, Items: boxes(ids, 60)}})
	writeFrame(t, c, ClientFrame{Op: OpScroll, Geometry: &Geometry{ScrollTop: 40, Items: boxes(ids, 40)}})

	// m08 was first visible at -40
	snap := readUntil(t, c, loaded(10)).Snapshot
	assert.Equal(t, "m03", snap.Messages[0].ID)

	writeFrame(t, c, ClientFrame{Op: OpRendered, Version: snap.Version,
		Geometry: &Geometry{ScrollTop: 40, Items: boxes(msgIDs(snap.Messages), 40)}})

	f := readUntil(t, c, func(f ServerFrame) bool { return f.Type == TypeScrollBy })
	assert.Equal(t, 250.0, f.Delta)
}

func TestSessionRateLimit(t *testing.T) {
	s := NewServer(seed("c1", 3), realtime.NewHub(), nil, Options{RateLimit: 0.001, Burst: 1})
	c := dial(t, s, "")

	writeFrame(t, c, ClientFrame{Op: OpMore})
	writeFrame(t, c, ClientFrame{Op: OpMore})
	e := readUntil(t, c, func(f ServerFrame) bool { return f.Type == TypeError })
	assert.Equal(t, errRateLimited.Error(), e.Error)
}

func TestSessionOpenRespectsConversationScope(t *testing.T) {
	s := NewServer(seed("c1", 3), realtime.NewHub(), nil, Options{})
	scoped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.WithSession(r.Context(), auth.Session{UID: "8", Convs: []string{"c1"}})
		s.ServeHTTP(w, r.WithContext(ctx))
	})
	c := dial(t, scoped, "?conv_id=c1")
	readUntil(t, c, loaded(3))

	writeFrame(t, c, ClientFrame{Op: OpOpen, ReqID: "r1", ConvID: "c2"})
	e := readUntil(t, c, func(f ServerFrame) bool { return f.Type == TypeError })
	assert.Equal(t, "r1", e.ReqID)
	assert.Equal(t, errForbidden.Error(), e.Error)
}

func TestHistoryHandler(t *testing.T) {
	h := HistoryHandler(seed("c1", 12), 5, 0, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages?conv_id=c1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items   []feed.Message `json:"items"`
		HasMore bool           `json:"has_more"`
		Cursor  time.Time      `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"m08", "m09", "m10", "m11", "m12"}, msgIDs(body.Items))
	assert.True(t, body.HasMore)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/messages?conv_id=c1&limit=10&before="+body.Cursor.Format(time.RFC3339Nano), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body.Items = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Items, 7)
	assert.False(t, body.HasMore)

	for _, url := range []string{"/v1/messages", "/v1/messages?conv_id=c1&limit=x", "/v1/messages?conv_id=c1&before=yesterday"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, url)
	}
}

func TestHistoryHandlerClampsToMaxLimit(t *testing.T) {
	f := seed("c1", 12)
	f.max = 4
	h := HistoryHandler(f, 50, 4, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages?conv_id=c1&limit=1000", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items   []feed.Message `json:"items"`
		HasMore bool           `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"m09", "m10", "m11", "m12"}, msgIDs(body.Items))
	assert.True(t, body.HasMore)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages?conv_id=c1", nil))
	body.Items = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Items, 4)
	assert.True(t, body.HasMore)
}
