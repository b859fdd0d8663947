package net

import (
	"container/heap"
	"time"
)

type timerEntry struct {
	id        TimerID
	deadline  time.Time
	cb        func()
	cancelled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// timerWheel orders pending timeouts by deadline. It is only touched from
// the reactor goroutine. Cancelled entries stay in the heap, flagged, and
// are skimmed off lazily.
type timerWheel struct {
	entries timerHeap
	byID    map[TimerID]*timerEntry
	nextID  TimerID
}

func newTimerWheel() *timerWheel {
	return &timerWheel{byID: make(map[TimerID]*timerEntry)}
}

func (w *timerWheel) register(d time.Duration, cb func()) TimerID {
	w.nextID++
	entry := &timerEntry{
		id:       w.nextID,
		deadline: time.Now().Add(d),
		cb:       cb,
	}
	w.byID[entry.id] = entry
	heap.Push(&w.entries, entry)
	return entry.id
}

func (w *timerWheel) unregister(id TimerID) {
	if entry, ok := w.byID[id]; ok {
		entry.cancelled = true
		delete(w.byID, id)
	}
}

// skim drops cancelled entries from the top of the heap.
func (w *timerWheel) skim() {
	for len(w.entries) > 0 && w.entries[0].cancelled {
		heap.Pop(&w.entries)
	}
}

// next returns the delay until the earliest pending timeout.
func (w *timerWheel) next() (time.Duration, bool) {
	w.skim()
	if len(w.entries) == 0 {
		return 0, false
	}
	d := time.Until(w.entries[0].deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

// fireDue runs every callback whose deadline has passed. Each entry is
// unregistered before its callback runs, so a callback unregistering its
// own id is a no-op, and a callback registering new timeouts is safe.
func (w *timerWheel) fireDue() {
	for {
		w.skim()
		if len(w.entries) == 0 || w.entries[0].deadline.After(time.Now()) {
			return
		}
		entry := heap.Pop(&w.entries).(*timerEntry)
		delete(w.byID, entry.id)
		entry.cb()
	}
}
