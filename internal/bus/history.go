package bus

import "strings"

// history is the bounded, indexed event log behind the bus queries.
// Retention is FIFO with one exception: events whose task ID is pinned by an
// outstanding request-reply waiter survive eviction until the waiter
// completes. Not safe for concurrent use; the bus serializes access.
type history struct {
	cap    int
	events map[uint64]Event
	order  []uint64 // publish order; head-pruned lazily
	head   int      // first live index into order

	byNode   map[string][]uint64
	byAction map[string][]uint64
	byTask   map[string][]uint64

	pins map[string]int // taskID -> outstanding waiter count
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1000
	}
	return &history{
		cap:      capacity,
		events:   make(map[uint64]Event),
		byNode:   make(map[string][]uint64),
		byAction: make(map[string][]uint64),
		byTask:   make(map[string][]uint64),
		pins:     make(map[string]int),
	}
}

func (h *history) add(event Event) {
	h.events[event.Seq] = event
	h.order = append(h.order, event.Seq)

	if event.SourceNode != "" {
		h.byNode[event.SourceNode] = append(h.byNode[event.SourceNode], event.Seq)
	}
	if event.TargetNode != "" && event.TargetNode != event.SourceNode {
		h.byNode[event.TargetNode] = append(h.byNode[event.TargetNode], event.Seq)
	}
	if event.Action != "" {
		h.byAction[event.Action] = append(h.byAction[event.Action], event.Seq)
	}
	if event.TaskID != "" {
		h.byTask[event.TaskID] = append(h.byTask[event.TaskID], event.Seq)
	}

	h.evict()
}

// evict removes oldest unpinned events until the log fits the cap.
func (h *history) evict() {
	for len(h.events) > h.cap {
		evicted := false
		for i := h.head; i < len(h.order); i++ {
			seq := h.order[i]
			event, ok := h.events[seq]
			if !ok {
				if i == h.head {
					h.head++
				}
				continue
			}
			if h.pins[event.TaskID] > 0 {
				continue
			}
			delete(h.events, seq)
			if i == h.head {
				h.head++
			}
			evicted = true
			break
		}
		if !evicted {
			// Everything old is pinned; allow temporary overshoot rather
			// than dropping events a waiter still needs.
			return
		}
	}
	h.compact()
}

// compact trims the dead prefix of order once it dominates the slice.
func (h *history) compact() {
	if h.head < len(h.order)/2 || h.head < h.cap {
		return
	}
	h.order = append([]uint64(nil), h.order[h.head:]...)
	h.head = 0
}

func (h *history) pin(taskID string) {
	if taskID == "" {
		return
	}
	h.pins[taskID]++
}

func (h *history) unpin(taskID string) {
	if taskID == "" {
		return
	}
	if h.pins[taskID] <= 1 {
		delete(h.pins, taskID)
	} else {
		h.pins[taskID]--
	}
	h.evict()
}

func (h *history) size() int { return len(h.events) }

// collect walks seqs most-recent-first, returning up to limit live events
// and pruning dead references in place.
func (h *history) collect(seqs []uint64, limit int) ([]Event, []uint64) {
	out := make([]Event, 0, min(limit, len(seqs)))
	live := seqs[:0]
	for _, seq := range seqs {
		if _, ok := h.events[seq]; ok {
			live = append(live, seq)
		}
	}
	for i := len(live) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.events[live[i]])
	}
	return out, live
}

func (h *history) queryByNode(nodeID string, limit int) []Event {
	events, live := h.collect(h.byNode[nodeID], limit)
	h.byNode[nodeID] = live
	return events
}

func (h *history) queryByAction(action string, limit int) []Event {
	events, live := h.collect(h.byAction[action], limit)
	h.byAction[action] = live
	return events
}

// queryByTask returns oldest-first: a task's events read as a
// chronological trail, unlike the recency-oriented node/action queries.
func (h *history) queryByTask(taskID string) []Event {
	seqs := h.byTask[taskID]
	out := make([]Event, 0, len(seqs))
	live := seqs[:0]
	for _, seq := range seqs {
		if event, ok := h.events[seq]; ok {
			live = append(live, seq)
			out = append(out, event)
		}
	}
	h.byTask[taskID] = live
	return out
}

func (h *history) queryRecent(limit int) []Event {
	out := make([]Event, 0, min(limit, len(h.events)))
	for i := len(h.order) - 1; i >= h.head && len(out) < limit; i-- {
		if event, ok := h.events[h.order[i]]; ok {
			out = append(out, event)
		}
	}
	return out
}

// searchRelevant scores recent events by keyword overlap with the query
// text against payload string fields, most-recent-first on ties.
func (h *history) searchRelevant(text string, limit int) []Event {
	terms := strings.Fields(strings.ToLower(text))
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		event Event
		score int
	}
	var matches []scored
	for i := len(h.order) - 1; i >= h.head; i-- {
		event, ok := h.events[h.order[i]]
		if !ok {
			continue
		}
		haystack := eventText(event)
		score := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{event: event, score: score})
		}
	}

	// Stable selection sort by score; matches is already recency-ordered.
	out := make([]Event, 0, min(limit, len(matches)))
	for len(out) < limit && len(matches) > 0 {
		best := 0
		for i := 1; i < len(matches); i++ {
			if matches[i].score > matches[best].score {
				best = i
			}
		}
		out = append(out, matches[best].event)
		matches = append(matches[:best], matches[best+1:]...)
	}
	return out
}

func eventText(event Event) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(event.Type)))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(event.Action))
	for _, value := range event.Payload {
		if s, ok := value.(string); ok {
			b.WriteByte(' ')
			b.WriteString(strings.ToLower(s))
		}
	}
	return b.String()
}
