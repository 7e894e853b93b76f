package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lzyats/im-feed/pkg/event"
)

// Record is one row of im_outbox. Times are UTC.
type Record struct {
	ID          int64
	Event       string
	MsgID       int64
	ConvID      string
	Topic       string
	Tag         string
	PayloadJSON string
	Status      int
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
}

// Decode returns the feed event stored in the row.
func (r Record) Decode() (*event.FeedEvent, error) {
	return event.Decode([]byte(r.PayloadJSON))
}

const (
	statusPending = 0
	statusSent    = 1
)

type Repo struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepo(db *sql.DB) *Repo { return &Repo{db: db, now: time.Now} }

// EnqueueTx stores evt for msgID inside tx, due immediately. It is idempotent
// by UNIQUE(event, msg_id) and returns the outbox id.
func (r *Repo) EnqueueTx(ctx context.Context, tx *sql.Tx, evt *event.FeedEvent, msgID int64, topic, tag string) (int64, error) {
	if tag == "" {
		tag = "*"
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO im_outbox (event, msg_id, conv_id, topic, tag, payload_json, status, retry_count, next_retry_at)
VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
ON DUPLICATE KEY UPDATE
  payload_json=VALUES(payload_json),
  topic=VALUES(topic),
  tag=VALUES(tag),
  next_retry_at=LEAST(next_retry_at, VALUES(next_retry_at)),
  id=LAST_INSERT_ID(id)
`, evt.Event, msgID, evt.ConvID, topic, tag, string(payload), r.now().UTC())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err == nil && id != 0 {
		return id, nil
	}
	var qid int64
	if e := tx.QueryRowContext(ctx, `SELECT id FROM im_outbox WHERE event=? AND msg_id=? LIMIT 1`, evt.Event, msgID).Scan(&qid); e != nil {
		if err != nil {
			return 0, err
		}
		return 0, e
	}
	return qid, nil
}

// FetchDue returns pending rows whose retry time has passed, oldest first.
func (r *Repo) FetchDue(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, event, msg_id, conv_id, topic, tag, payload_json, status, retry_count, next_retry_at, last_error
FROM im_outbox
WHERE status = ? AND next_retry_at <= ?
ORDER BY id ASC
LIMIT ?
`, statusPending, r.now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Event, &rec.MsgID, &rec.ConvID, &rec.Topic, &rec.Tag, &rec.PayloadJSON,
			&rec.Status, &rec.RetryCount, &rec.NextRetryAt, &rec.LastError); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repo) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE im_outbox SET status=?, last_error='' WHERE id=?`, statusSent, id)
	return err
}

// MarkFailed records a failed attempt and pushes the row back by backoff.
func (r *Repo) MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string, backoff time.Duration) error {
	if backoff <= 0 {
		backoff = 1 * time.Second
	}
	_, err := r.db.ExecContext(ctx, `UPDATE im_outbox SET retry_count=?, last_error=?, next_retry_at=? WHERE id=?`,
		retryCount, truncate(lastErr, 255), r.now().UTC().Add(backoff), id)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
