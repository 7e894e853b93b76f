package bridge

import (
	"encoding/json"

	"github.com/lzyats/im-feed/pkg/feed"
)

// client -> server ops
const (
	OpOpen     = "open"
	OpScroll   = "scroll"
	OpMore     = "more"
	OpRendered = "rendered"
	OpSend     = "send"
	OpRead     = "read"
)

// server -> client frame types
const (
	TypeSnapshot = "snapshot"
	TypeScrollBy = "scroll_by"
	TypeAck      = "ack"
	TypeError    = "error"
)

type ClientFrame struct {
	Op    string `json:"op"`
	ReqID string `json:"req_id,omitempty"`

	ConvID   string    `json:"conv_id,omitempty"`
	Geometry *Geometry `json:"geometry,omitempty"`
	Version  uint64    `json:"version,omitempty"`

	Content    string          `json:"content,omitempty"`
	MediaURL   string          `json:"media_url,omitempty"`
	ReplyToID  string          `json:"reply_to_id,omitempty"`
	SenderKind feed.SenderKind `json:"sender_kind,omitempty"`

	IDs []string `json:"ids,omitempty"`
}

type ServerFrame struct {
	Type  string `json:"type"`
	ReqID string `json:"req_id,omitempty"`
	Op    string `json:"op,omitempty"`

	Snapshot *feed.Snapshot `json:"snapshot,omitempty"`
	Delta    float64        `json:"delta,omitempty"`
	Msg      *feed.Message  `json:"msg,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func snapshotFrame(s feed.Snapshot) ServerFrame {
	f := ServerFrame{Type: TypeSnapshot, Snapshot: &s}
	if s.State.Err != nil {
		f.Error = s.State.Err.Error()
	}
	return f
}

func errorFrame(op, reqID string, err error) ServerFrame {
	return ServerFrame{Type: TypeError, Op: op, ReqID: reqID, Error: err.Error()}
}

func encode(f ServerFrame) ([]byte, error) { return json.Marshal(f) }
