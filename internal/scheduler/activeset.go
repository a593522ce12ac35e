package scheduler

import "sort"

// queueItem owns the batches submitted for one (stream, priority) pair.
type queueItem struct {
	streamID uint32
	priority float64
	batches  []Batch
}

func (q *queueItem) push(b Batch) {
	q.batches = append(q.batches, b)
}

func (q *queueItem) pop() Batch {
	b := q.batches[0]
	q.batches[0] = Batch{}
	q.batches = q.batches[1:]
	return b
}

func (q *queueItem) empty() bool {
	return len(q.batches) == 0
}

func (q *queueItem) chunks() int {
	n := 0
	for _, b := range q.batches {
		n += len(b.Chunks)
	}
	return n
}

// activeSet keeps non-empty queue items ordered by priority descending, then
// stream id ascending.
type activeSet struct {
	items []*queueItem
}

// before reports whether an item with (p1, id1) sorts ahead of (p2, id2).
func before(p1 float64, id1 uint32, p2 float64, id2 uint32) bool {
	if p1 != p2 {
		return p1 > p2
	}
	return id1 < id2
}

// search returns the position of (priority, streamID) and whether an item for
// that pair is already present.
func (s *activeSet) search(priority float64, streamID uint32) (int, bool) {
	i := sort.Search(len(s.items), func(i int) bool {
		it := s.items[i]
		return !before(it.priority, it.streamID, priority, streamID)
	})
	if i < len(s.items) && s.items[i].priority == priority && s.items[i].streamID == streamID {
		return i, true
	}
	return i, false
}

// lookup returns the item for the pair, inserting a new one in sorted
// position if none exists.
func (s *activeSet) lookup(priority float64, streamID uint32) *queueItem {
	i, ok := s.search(priority, streamID)
	if ok {
		return s.items[i]
	}
	it := &queueItem{streamID: streamID, priority: priority}
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it
	return it
}

func (s *activeSet) removeAt(i int) {
	copy(s.items[i:], s.items[i+1:])
	s.items[len(s.items)-1] = nil
	s.items = s.items[:len(s.items)-1]
}

func (s *activeSet) len() int {
	return len(s.items)
}

// removeStream drops every item belonging to streamID and returns the number
// of chunks discarded.
func (s *activeSet) removeStream(streamID uint32) (items, chunks int) {
	kept := s.items[:0]
	for _, it := range s.items {
		if it.streamID == streamID {
			items++
			chunks += it.chunks()
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = nil
	}
	s.items = kept
	return items, chunks
}
