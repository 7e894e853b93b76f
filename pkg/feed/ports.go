package feed

import (
	"context"
	"time"
)

// PageFetcher reads persisted messages of a conversation.
type PageFetcher interface {
	// FetchPage returns up to limit messages in descending CreatedAt order.
	// With before set only messages strictly older than *before are returned.
	FetchPage(ctx context.Context, conversationID string, before *time.Time, limit int) ([]Message, error)
	// CountMessages is advisory; the feed tolerates its failure.
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// Handlers receive live notifications for one conversation.
type Handlers struct {
	OnInsert func(Message)
	OnUpdate func(Update)
	OnError  func(error)
}

// Subscriber delivers insert/update notifications at least once. Delivery is
// not gap free across reconnects.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string, h Handlers) (func(), error)
}

// Sender hands an optimistic message to the transport and returns the
// confirmed record (server id set, same CorrelationID).
type Sender interface {
	Send(ctx context.Context, m Message) (Message, error)
}

// StatusWriter persists delivery-status changes made locally (read receipts).
type StatusWriter interface {
	UpdateStatus(ctx context.Context, conversationID, id string, status Status) error
}

// Observer is notified about feed activity; used for metrics.
type Observer interface {
	PageFetched(op FetchOp, rows int)
	FetchFailed(op FetchOp)
	Reconciled(o Outcome)
	Anomaly(dropped int)
	ChannelFailed()
}

type nopObserver struct{}

func (nopObserver) PageFetched(FetchOp, int) {}
func (nopObserver) FetchFailed(FetchOp) {}
func (nopObserver) Reconciled(Outcome) {}
func (nopObserver) Anomaly(int) {}
func (nopObserver) ChannelFailed() {}
