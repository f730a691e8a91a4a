package vrr

import (
	"sort"
	"strings"

	"github.com/emirpasic/gods/trees/binaryheap"
)

// EventQueue is a min-heap of events ordered by due time, then by insertion order.
// It is not synchronized; the Controller guards it with its own mutex.
type EventQueue struct {
	heap    *binaryheap.Heap
	nextSeq uint64
}

func eventComparator(aArg, bArg any) int {
	a := aArg.(Event)
	b := bArg.(Event)
	switch {
	case a.DueNs < b.DueNs:
		return -1
	case a.DueNs > b.DueNs:
		return 1
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

func NewEventQueue() *EventQueue {
	return &EventQueue{
		heap: binaryheap.NewWith(eventComparator),
	}
}

// Push inserts an event. Events with equal due times pop in insertion order.
func (q *EventQueue) Push(e Event) {
	e.seq = q.nextSeq
	q.nextSeq++
	q.heap.Push(e)
}

// PeekEarliest returns the earliest due event without removing it.
func (q *EventQueue) PeekEarliest() (Event, error) {
	top, ok := q.heap.Peek()
	if !ok {
		return Event{}, ErrEmptyQueue
	}
	return top.(Event), nil
}

// PopEarliest removes and returns the earliest due event.
func (q *EventQueue) PopEarliest() (Event, error) {
	top, ok := q.heap.Pop()
	if !ok {
		return Event{}, ErrEmptyQueue
	}
	return top.(Event), nil
}

func (q *EventQueue) DropAll() {
	q.heap.Clear()
}

// DropType removes every event of type t. Remaining events keep their sequence
// numbers, so their relative order is unchanged.
func (q *EventQueue) DropType(t EventType) {
	values := q.heap.Values()
	q.heap.Clear()
	for _, v := range values {
		if v.(Event).Type != t {
			q.heap.Push(v)
		}
	}
}

func (q *EventQueue) Len() int {
	return q.heap.Size()
}

func (q *EventQueue) Empty() bool {
	return q.heap.Empty()
}

// CountType returns how many queued events have type t.
func (q *EventQueue) CountType(t EventType) int {
	n := 0
	for _, v := range q.heap.Values() {
		if v.(Event).Type == t {
			n++
		}
	}
	return n
}

// Events returns a snapshot of the queue in pop order.
func (q *EventQueue) Events() []Event {
	values := q.heap.Values()
	events := make([]Event, 0, len(values))
	for _, v := range values {
		events = append(events, v.(Event))
	}
	sort.Slice(events, func(i, j int) bool {
		return eventComparator(events[i], events[j]) < 0
	})
	return events
}

// Dump renders the queue in pop order, one event per line.
func (q *EventQueue) Dump() string {
	var b strings.Builder
	for _, e := range q.Events() {
		b.WriteString(e.String())
		b.WriteString("\n")
	}
	return b.String()
}
