package bridge

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/im-feed/pkg/feed"
)

// HistoryHandler serves GET /v1/messages?conv_id=&before=&limit= for clients
// that page without a websocket. before is RFC3339 (nanoseconds allowed);
// items come back oldest first like the feed window. maxLimit must match the
// cap the fetcher applies, otherwise has_more is computed against a page size
// the fetcher never returns.
func HistoryHandler(fetcher feed.PageFetcher, defaultLimit, maxLimit int, log *zap.Logger) http.Handler {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	if maxLimit > 0 && defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	type resp struct {
		OK      bool           `json:"ok"`
		Items   []feed.Message `json:"items"`
		HasMore bool           `json:"has_more"`
		Cursor  *time.Time     `json:"cursor,omitempty"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		conv := q.Get("conv_id")
		if conv == "" {
			http.Error(w, "missing conv_id", http.StatusBadRequest)
			return
		}
		limit := defaultLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			limit = n
			if maxLimit > 0 && limit > maxLimit {
				limit = maxLimit
			}
		}
		var before *time.Time
		if v := q.Get("before"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				http.Error(w, "bad before", http.StatusBadRequest)
				return
			}
			before = &t
		}

		rows, err := fetcher.FetchPage(r.Context(), conv, before, limit)
		if err != nil {
			log.Warn("history fetch failed", zap.String("conv_id", conv), zap.Error(err))
			http.Error(w, "fetch failed", http.StatusInternalServerError)
			return
		}
		out := resp{OK: true, Items: make([]feed.Message, 0, len(rows)), HasMore: len(rows) >= limit}
		for i := len(rows) - 1; i >= 0; i-- {
			out.Items = append(out.Items, rows[i])
		}
		if len(out.Items) > 0 {
			c := out.Items[0].CreatedAt
			out.Cursor = &c
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
