package feed

import (
	"slices"
	"time"
)

// PageStore holds the ordered message window of one conversation.
// Entries are sorted ascending by CreatedAt (stable) and ids are unique.
// It is not safe for concurrent use; Feed serialises access.
type PageStore struct {
	items   []Message
	index   map[string]int
	version uint64
}

func NewPageStore() *PageStore {
	return &PageStore{index: make(map[string]int)}
}

// Reset clears the window.
func (s *PageStore) Reset() {
	s.items = nil
	s.index = make(map[string]int)
	s.version++
}

func (s *PageStore) Len() int { return len(s.items) }

// Version increases on every committed mutation.
func (s *PageStore) Version() uint64 { return s.version }

// Messages returns a copy of the window.
func (s *PageStore) Messages() []Message {
	out := make([]Message, len(s.items))
	copy(out, s.items)
	return out
}

func (s *PageStore) Get(id string) (Message, bool) {
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.items[i], true
}

func (s *PageStore) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Cursor is the CreatedAt of the oldest loaded message.
func (s *PageStore) Cursor() (time.Time, bool) {
	if len(s.items) == 0 {
		return time.Time{}, false
	}
	return s.items[0].CreatedAt, true
}

// Load replaces the window with rows (ascending). Duplicate ids keep their
// first occurrence.
func (s *PageStore) Load(rows []Message) {
	items := make([]Message, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, m := range rows {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		items = append(items, m)
	}
	sortStable(items)
	s.items = items
	s.reindex()
	s.version++
}

// PrependOlder merges an ascending batch of older rows at the head. Rows whose
// id already exists in the window are dropped and returned.
func (s *PageStore) PrependOlder(rows []Message) (added int, dropped []string) {
	kept := make([]Message, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, m := range rows {
		_, inBatch := seen[m.ID]
		if inBatch || s.Has(m.ID) {
			dropped = append(dropped, m.ID)
			continue
		}
		seen[m.ID] = struct{}{}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return 0, dropped
	}
	merged := make([]Message, 0, len(kept)+len(s.items))
	merged = append(merged, kept...)
	merged = append(merged, s.items...)
	sortStable(merged)
	s.items = merged
	s.reindex()
	s.version++
	return len(kept), dropped
}

// insert places m after every entry with CreatedAt <= m.CreatedAt. For the
// usual live arrival that is the tail.
func (s *PageStore) insert(m Message) {
	pos := s.upperBound(m.CreatedAt)
	if pos == len(s.items) {
		s.items = append(s.items, m)
		s.index[m.ID] = pos
	} else {
		s.items = slices.Insert(s.items, pos, m)
		s.reindex()
	}
	s.version++
}

// replaceAt swaps the entry at i for m, keeping the position unless that
// would break the ordering with its neighbours.
func (s *PageStore) replaceAt(i int, m Message) {
	delete(s.index, s.items[i].ID)
	s.items[i] = m
	s.index[m.ID] = i
	if !s.inOrderAt(i) {
		s.items = slices.Delete(s.items, i, i+1)
		s.reindex()
		s.insert(m)
		return
	}
	s.version++
}

// UpdateFields merges p into the message with the given id. It reports false
// when the id is not in the window.
func (s *PageStore) UpdateFields(id string, p Patch) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	m := s.items[i]
	if p.Status != nil {
		m.Status = m.Status.Advance(*p.Status)
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.MediaURL != nil {
		m.MediaURL = *p.MediaURL
	}
	if p.CreatedAt != nil && !p.CreatedAt.Equal(m.CreatedAt) {
		m.CreatedAt = *p.CreatedAt
		s.replaceAt(i, m)
		return true
	}
	s.items[i] = m
	s.version++
	return true
}

// provisional returns the unconfirmed local entries in window order.
func (s *PageStore) provisional() []Message {
	var out []Message
	for _, m := range s.items {
		if m.Provisional {
			out = append(out, m)
		}
	}
	return out
}

// hasCorrelation reports whether a confirmed entry carries correlationID.
func (s *PageStore) hasCorrelation(correlationID string) bool {
	if correlationID == "" {
		return false
	}
	for _, m := range s.items {
		if !m.Provisional && m.CorrelationID == correlationID {
			return true
		}
	}
	return false
}

// markFailed flags a provisional send as rejected.
func (s *PageStore) markFailed(id string) bool {
	i, ok := s.index[id]
	if !ok || !s.items[i].Provisional {
		return false
	}
	s.items[i].Status = StatusFailed
	s.version++
	return true
}

func (s *PageStore) upperBound(t time.Time) int {
	lo, hi := 0, len(s.items)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.items[mid].CreatedAt.After(t) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func (s *PageStore) inOrderAt(i int) bool {
	t := s.items[i].CreatedAt
	if i > 0 && s.items[i-1].CreatedAt.After(t) {
		return false
	}
	if i < len(s.items)-1 && t.After(s.items[i+1].CreatedAt) {
		return false
	}
	return true
}

func (s *PageStore) reindex() {
	s.index = make(map[string]int, len(s.items))
	for i, m := range s.items {
		s.index[m.ID] = i
	}
}

func sortStable(items []Message) {
	slices.SortStableFunc(items, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
