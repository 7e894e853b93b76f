package feed

import "time"

// Outcome is what the reconciler did with a live insert.
type Outcome int

const (
	OutcomeAppended   Outcome = iota
	OutcomeDuplicate          // id already in the window
	OutcomeCorrelated         // replaced a provisional entry by correlation id
	OutcomeMatched            // replaced a provisional entry by content and time
	OutcomeRedelivery         // outbound near-duplicate dropped
	OutcomeDeferred           // older than the cursor, left to backward paging
	OutcomeRejected           // no id
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeCorrelated:
		return "correlated"
	case OutcomeMatched:
		return "matched"
	case OutcomeRedelivery:
		return "redelivery"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeRejected:
		return "rejected"
	}
	return "unknown"
}

// Changed reports whether the outcome mutated the window.
func (o Outcome) Changed() bool {
	return o == OutcomeAppended || o == OutcomeCorrelated || o == OutcomeMatched
}

// LiveReconciler folds live notifications into a PageStore.
type LiveReconciler struct {
	store     *PageStore
	tolerance time.Duration
}

func NewLiveReconciler(store *PageStore, tolerance time.Duration) *LiveReconciler {
	return &LiveReconciler{store: store, tolerance: tolerance}
}

// Insert applies a confirmed message. hasMore tells whether older pages remain
// to be fetched, in which case inserts older than the cursor are deferred.
func (r *LiveReconciler) Insert(m Message, hasMore bool) Outcome {
	if m.ID == "" {
		return OutcomeRejected
	}
	if r.store.Has(m.ID) {
		return OutcomeDuplicate
	}
	m.Provisional = false

	if m.CorrelationID != "" {
		if i := r.findCorrelated(m.CorrelationID); i >= 0 {
			r.confirm(i, m)
			return OutcomeCorrelated
		}
	}
	if i := r.findProvisionalMatch(m); i >= 0 {
		r.confirm(i, m)
		return OutcomeMatched
	}
	if m.Direction == DirectionOutbound && r.hasNearDuplicate(m) {
		return OutcomeRedelivery
	}
	if cursor, ok := r.store.Cursor(); ok && hasMore && m.CreatedAt.Before(cursor) {
		return OutcomeDeferred
	}
	r.store.insert(m)
	return OutcomeAppended
}

// Update applies a live field change, matched strictly by id.
func (r *LiveReconciler) Update(u Update) bool {
	return r.store.UpdateFields(u.ID, u.Patch)
}

// confirm replaces the provisional entry at i with m. Local preview fields
// survive until the confirmed record carries its own.
func (r *LiveReconciler) confirm(i int, m Message) {
	prev := r.store.items[i]
	if m.MediaURL == "" {
		m.MediaURL = prev.MediaURL
	}
	if m.ConversationID == "" {
		m.ConversationID = prev.ConversationID
	}
	if m.CorrelationID == "" {
		m.CorrelationID = prev.CorrelationID
	}
	m.Status = StatusSent.Advance(m.Status)
	r.store.replaceAt(i, m)
}

func (r *LiveReconciler) findCorrelated(correlationID string) int {
	for i, it := range r.store.items {
		if it.Provisional && it.CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

// findProvisionalMatch picks the provisional entry closest in time with the
// same direction and content.
func (r *LiveReconciler) findProvisionalMatch(m Message) int {
	best := -1
	var bestDelta time.Duration
	for i, it := range r.store.items {
		if !it.Provisional || it.Direction != m.Direction || it.Content != m.Content {
			continue
		}
		if !within(it.CreatedAt, m.CreatedAt, r.tolerance) {
			continue
		}
		d := it.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDelta {
			best, bestDelta = i, d
		}
	}
	return best
}

func (r *LiveReconciler) hasNearDuplicate(m Message) bool {
	for _, it := range r.store.items {
		if it.Direction == m.Direction && it.Content == m.Content && within(it.CreatedAt, m.CreatedAt, r.tolerance) {
			return true
		}
	}
	return false
}
