package feed

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidArgument = errors.New("feed: invalid argument")
	ErrNotOpen         = errors.New("feed: no conversation open")
	// ErrSuperseded is returned when the conversation was switched or closed
	// while a load was in flight; the result is discarded.
	ErrSuperseded = errors.New("feed: conversation switched while loading")
)

type FetchOp string

const (
	FetchInitial FetchOp = "initial"
	FetchOlder   FetchOp = "older"
)

// FetchError reports a failed initial or backward page fetch. It is not retried.
type FetchError struct {
	Op             FetchOp
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("feed: %s fetch for %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ReconcileAnomaly lists rows dropped from a prepended page because their id
// was already in the window.
type ReconcileAnomaly struct {
	ConversationID string
	IDs            []string
}

func (e *ReconcileAnomaly) Error() string {
	return fmt.Sprintf("feed: %s: duplicate ids in older page: %s", e.ConversationID, strings.Join(e.IDs, ","))
}

// ChannelError reports a dropped live subscription.
type ChannelError struct {
	ConversationID string
	Err            error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("feed: live channel for %s: %v", e.ConversationID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
