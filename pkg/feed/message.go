package feed

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type SenderKind string

const (
	SenderHuman     SenderKind = "human"
	SenderSystem    SenderKind = "system"
	SenderAutomated SenderKind = "automated"
)

// Status is the delivery status of a message.
// sending -> sent -> delivered -> read. failed is local only: a provisional
// send the transport rejected.
type Status string

const (
	StatusFailed    Status = "failed"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Advance returns the later of s and next. Statuses never move backwards.
func (s Status) Advance(next Status) Status {
	if next.rank() >= s.rank() && next.rank() > 0 {
		return next
	}
	return s
}

// ParseStatus maps a stored value to a Status; unknown values become sent.
func ParseStatus(v string) Status {
	switch Status(v) {
	case StatusFailed, StatusSending, StatusSent, StatusDelivered, StatusRead:
		return Status(v)
	}
	return StatusSent
}

// Message is one chat message in a conversation window.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	CreatedAt      time.Time  `json:"created_at"`
	Content        string     `json:"content"`
	Direction      Direction  `json:"direction"`
	SenderKind     SenderKind `json:"sender_kind"`
	Status         Status     `json:"status"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	ReplyToID      string     `json:"reply_to_id,omitempty"`
	MediaURL       string     `json:"media_url,omitempty"`

	// Provisional marks a locally created message not yet confirmed by the backend.
	Provisional bool `json:"provisional,omitempty"`
}

// Patch carries the fields of a live update. Nil fields are left untouched.
type Patch struct {
	Status    *Status    `json:"status,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Content   *string    `json:"content,omitempty"`
	MediaURL  *string    `json:"media_url,omitempty"`
}

// Update is a live change notification for an existing message.
type Update struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Patch          Patch  `json:"patch"`
}

// Draft is what the UI hands to Feed.Send.
type Draft struct {
	Content    string
	MediaURL   string
	ReplyToID  string
	SenderKind SenderKind
}

func within(a, b time.Time, tol time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tol
}
