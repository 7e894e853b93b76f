package repo

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lzyats/im-feed/pkg/feed"
)

// MsgRow is the DB model for im_msg. Nullable fields use sql.Null* to avoid
// ambiguity.
type MsgRow struct {
	MsgID       int64
	SyncID      int64
	ConvID      string
	Direction   string
	SenderKind  string
	Status      string
	Content     string
	MediaURL    sql.NullString
	ReplyToID   sql.NullInt64
	ClientMsgID sql.NullString
	CreateTime  time.Time
}

// Message converts the row to the feed model.
func (m MsgRow) Message() feed.Message {
	out := feed.Message{
		ID:             strconv.FormatInt(m.MsgID, 10),
		ConversationID: m.ConvID,
		CreatedAt:      m.CreateTime.UTC(),
		Content:        m.Content,
		Direction:      feed.Direction(m.Direction),
		SenderKind:     feed.SenderKind(m.SenderKind),
		Status:         feed.ParseStatus(m.Status),
	}
	if m.MediaURL.Valid {
		out.MediaURL = m.MediaURL.String
	}
	if m.ReplyToID.Valid {
		out.ReplyToID = strconv.FormatInt(m.ReplyToID.Int64, 10)
	}
	if m.ClientMsgID.Valid {
		out.CorrelationID = m.ClientMsgID.String
	}
	return out
}

// RowFromMessage builds a row for insertion. ReplyToID must be numeric or empty.
func RowFromMessage(msgID, syncID int64, m feed.Message) (MsgRow, error) {
	row := MsgRow{
		MsgID:      msgID,
		SyncID:     syncID,
		ConvID:     m.ConversationID,
		Direction:  string(m.Direction),
		SenderKind: string(m.SenderKind),
		Status:     string(m.Status),
		Content:    m.Content,
		CreateTime: m.CreatedAt.UTC(),
	}
	if m.MediaURL != "" {
		row.MediaURL = sql.NullString{String: m.MediaURL, Valid: true}
	}
	if m.CorrelationID != "" {
		row.ClientMsgID = sql.NullString{String: m.CorrelationID, Valid: true}
	}
	if m.ReplyToID != "" {
		id, err := strconv.ParseInt(m.ReplyToID, 10, 64)
		if err != nil {
			return MsgRow{}, ErrBadID
		}
		row.ReplyToID = sql.NullInt64{Int64: id, Valid: true}
	}
	return row, nil
}

var (
	ErrNotFound = errors.New("repo: not found")
	ErrBadID    = errors.New("repo: malformed message id")
)

const msgColumns = `msg_id, sync_id, conv_id, direction, sender_kind, status, content, media_url, reply_to_id, client_msg_id, create_time`

type MessageRepo struct {
	db       *sql.DB
	maxLimit int
}

func NewMessageRepo(db *sql.DB, maxLimit int) *MessageRepo {
	if maxLimit <= 0 {
		maxLimit = 500
	}
	return &MessageRepo{db: db, maxLimit: maxLimit}
}

// MaxLimit is the largest page FetchPage returns.
func (r *MessageRepo) MaxLimit() int { return r.maxLimit }

// FetchPage returns the newest limit messages of a conversation, or those
// strictly older than before, newest first.
func (r *MessageRepo) FetchPage(ctx context.Context, convID string, before *time.Time, limit int) ([]feed.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > r.maxLimit {
		limit = r.maxLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = r.db.QueryContext(ctx, `
SELECT `+msgColumns+`
FROM im_msg
WHERE conv_id = ?
ORDER BY create_time DESC, sync_id DESC
LIMIT ?
`, convID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
SELECT `+msgColumns+`
FROM im_msg
WHERE conv_id = ? AND create_time < ?
ORDER BY create_time DESC, sync_id DESC
LIMIT ?
`, convID, before.UTC(), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]feed.Message, 0, limit)
	for rows.Next() {
		m, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m.Message())
	}
	return out, rows.Err()
}

func (r *MessageRepo) CountMessages(ctx context.Context, convID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM im_msg WHERE conv_id = ?`, convID).Scan(&n)
	return n, err
}

func (r *MessageRepo) Get(ctx context.Context, convID, id string) (feed.Message, error) {
	msgID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return feed.Message{}, ErrBadID
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+msgColumns+` FROM im_msg WHERE msg_id = ? AND conv_id = ?`, msgID, convID)
	m, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Message{}, ErrNotFound
	}
	if err != nil {
		return feed.Message{}, err
	}
	return m.Message(), nil
}

// GetByCorrelation finds a message by its client correlation id. Used when an
// insert lost the race on uk_conv_client.
func (r *MessageRepo) GetByCorrelation(ctx context.Context, convID, correlationID string) (feed.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+msgColumns+` FROM im_msg WHERE conv_id = ? AND client_msg_id = ?`, convID, correlationID)
	m, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Message{}, ErrNotFound
	}
	if err != nil {
		return feed.Message{}, err
	}
	return m.Message(), nil
}

func (r *MessageRepo) InsertTx(ctx context.Context, tx *sql.Tx, m *MsgRow) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO im_msg (`+msgColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, m.MsgID, m.SyncID, m.ConvID, m.Direction, m.SenderKind, m.Status, m.Content, m.MediaURL, m.ReplyToID, m.ClientMsgID, m.CreateTime)
	return err
}

// UpdateStatus moves a message forward to status. It reports false when the
// row is missing or already at (or past) that status.
func (r *MessageRepo) UpdateStatus(ctx context.Context, convID, id string, status feed.Status) (bool, error) {
	msgID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, ErrBadID
	}
	lower := predecessors(status)
	if len(lower) == 0 {
		return false, nil
	}
	args := make([]any, 0, len(lower)+3)
	args = append(args, string(status), msgID, convID)
	for _, s := range lower {
		args = append(args, string(s))
	}
	res, err := r.db.ExecContext(ctx, `UPDATE im_msg SET status = ? WHERE msg_id = ? AND conv_id = ? AND status IN (`+placeholders(len(lower))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var statusOrder = []feed.Status{feed.StatusSending, feed.StatusSent, feed.StatusDelivered, feed.StatusRead}

func predecessors(s feed.Status) []feed.Status {
	for i, it := range statusOrder {
		if it == s {
			return statusOrder[:i]
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (MsgRow, error) {
	var m MsgRow
	err := s.Scan(&m.MsgID, &m.SyncID, &m.ConvID, &m.Direction, &m.SenderKind, &m.Status, &m.Content,
		&m.MediaURL, &m.ReplyToID, &m.ClientMsgID, &m.CreateTime)
	return m, err
}
