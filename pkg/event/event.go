package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lzyats/im-feed/pkg/feed"
)

const (
	MsgInsert = "msg_insert"
	MsgUpdate = "msg_update"
)

// FeedEvent is the live notification envelope published per conversation.
// Treat this as a contract (version it when breaking changes are required).
type FeedEvent struct {
	Event   string            `json:"event"`
	TraceID string            `json:"trace_id,omitempty"`
	TS      int64             `json:"ts"` // unix seconds
	ConvID  string            `json:"conv_id"`
	Msg     *feed.Message     `json:"msg,omitempty"`
	Update  *feed.Update      `json:"update,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func NewInsert(m feed.Message, traceID string) *FeedEvent {
	m.Provisional = false
	return &FeedEvent{Event: MsgInsert, TraceID: traceID, TS: time.Now().Unix(), ConvID: m.ConversationID, Msg: &m}
}

func NewUpdate(u feed.Update, traceID string) *FeedEvent {
	return &FeedEvent{Event: MsgUpdate, TraceID: traceID, TS: time.Now().Unix(), ConvID: u.ConversationID, Update: &u}
}

// MsgID is the id of the message the event refers to.
func (e *FeedEvent) MsgID() string {
	switch {
	case e.Msg != nil:
		return e.Msg.ID
	case e.Update != nil:
		return e.Update.ID
	}
	return ""
}

// DedupeKey identifies one logical notification. Status updates of the same
// message get distinct keys.
func (e *FeedEvent) DedupeKey() string {
	key := e.Event + ":" + e.ConvID + ":" + e.MsgID()
	if e.Update != nil && e.Update.Patch.Status != nil {
		key += ":" + string(*e.Update.Patch.Status)
	}
	return key
}

func (e *FeedEvent) Validate() error {
	if e.ConvID == "" {
		return fmt.Errorf("event: missing conv_id")
	}
	switch e.Event {
	case MsgInsert:
		if e.Msg == nil || e.Msg.ID == "" {
			return fmt.Errorf("event: %s without msg", e.Event)
		}
	case MsgUpdate:
		if e.Update == nil || e.Update.ID == "" {
			return fmt.Errorf("event: %s without update", e.Event)
		}
	default:
		return fmt.Errorf("event: unknown type %q", e.Event)
	}
	return nil
}

func Decode(b []byte) (*FeedEvent, error) {
	var e FeedEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.Msg != nil && e.Msg.ConversationID == "" {
		e.Msg.ConversationID = e.ConvID
	}
	if e.Update != nil && e.Update.ConversationID == "" {
		e.Update.ConversationID = e.ConvID
	}
	return &e, nil
}

// Dispatch hands the event to the matching handler.
func Dispatch(e *FeedEvent, h feed.Handlers) {
	switch e.Event {
	case MsgInsert:
		if h.OnInsert != nil && e.Msg != nil {
			h.OnInsert(*e.Msg)
		}
	case MsgUpdate:
		if h.OnUpdate != nil && e.Update != nil {
			h.OnUpdate(*e.Update)
		}
	}
}
