package pqueue

import (
	"container/heap"
	"time"
)

// Deadlines keeps at most one deadline per key and hands keys out once it has passed.
// It is not safe for concurrent use.
type Deadlines struct {
	pq    PriorityQueue
	items map[string]*Item
}

func NewDeadlines() *Deadlines {
	return &Deadlines{
		pq:    make(PriorityQueue, 0, 8),
		items: make(map[string]*Item),
	}
}

// Set schedules key at at, replacing any earlier deadline of key.
func (d *Deadlines) Set(key string, at time.Time) {
	deadline := at.UnixMilli()
	if item, ok := d.items[key]; ok {
		item.deadline = deadline
		heap.Fix(&d.pq, item.index)
		return
	}
	item := &Item{key: key, deadline: deadline}
	d.items[key] = item
	heap.Push(&d.pq, item)
}

func (d *Deadlines) Remove(key string) {
	item, ok := d.items[key]
	if !ok {
		return
	}
	delete(d.items, key)
	heap.Remove(&d.pq, item.index)
}

func (d *Deadlines) Len() int {
	return len(d.pq)
}

// Next returns the earliest deadline.
func (d *Deadlines) Next() (key string, at time.Time, ok bool) {
	top := d.pq.Peek()
	if top == nil {
		return "", time.Time{}, false
	}
	return top.key, time.UnixMilli(top.deadline), true
}

// PopDue removes and returns up to limit keys whose deadline is not after now, earliest
// first. A limit of zero or less means no limit.
func (d *Deadlines) PopDue(now time.Time, limit int) []string {
	var due []string
	ms := now.UnixMilli()
	for top := d.pq.Peek(); top != nil && top.deadline <= ms; top = d.pq.Peek() {
		if limit > 0 && len(due) >= limit {
			break
		}
		heap.Pop(&d.pq)
		delete(d.items, top.key)
		due = append(due, top.key)
	}
	return due
}

// Reset drops every deadline.
func (d *Deadlines) Reset() {
	d.pq = d.pq[:0]
	d.items = make(map[string]*Item)
}
