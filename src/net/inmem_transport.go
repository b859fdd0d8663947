package net

import (
	"sort"
	"time"
)

// InmemHub wires InmemTransports together for deterministic protocol tests:
// frames are queued and delivered in order by Deliver, and time only moves
// when Advance is called. Everything runs on the calling goroutine, which
// plays the role of every node's reactor.
type InmemHub struct {
	nodes map[string]*InmemTransport

	queue []inmemFrame

	timers    map[TimerID]*inmemTimer
	nextTimer TimerID
	now       time.Duration

	draining bool
}

type inmemFrame struct {
	to    string
	frame []byte
}

type inmemTimer struct {
	id        TimerID
	deadline  time.Duration
	cb        func()
	cancelled bool
}

// NewInmemHub creates an empty hub.
func NewInmemHub() *InmemHub {
	return &InmemHub{
		nodes:  make(map[string]*InmemTransport),
		timers: make(map[TimerID]*inmemTimer),
	}
}

// NewTransport registers a node on the hub.
func (h *InmemHub) NewTransport(id string) *InmemTransport {
	t := &InmemTransport{
		hub:       h,
		id:        id,
		connected: make(map[string]bool),
	}
	h.nodes[id] = t
	return t
}

// Remove unregisters a node, e.g. to simulate a crash. Its queued frames
// are still delivered to others; frames to it are dropped.
func (h *InmemHub) Remove(id string) {
	delete(h.nodes, id)
}

func (h *InmemHub) enqueue(to string, frame []byte) {
	h.queue = append(h.queue, inmemFrame{to: to, frame: frame})
}

// Deliver drains the frame queue, including frames enqueued while draining.
func (h *InmemHub) Deliver() {
	if h.draining {
		return
	}
	h.draining = true
	defer func() { h.draining = false }()

	for len(h.queue) > 0 {
		f := h.queue[0]
		h.queue = h.queue[1:]

		if node, ok := h.nodes[f.to]; ok && node.handler != nil {
			node.handler(f.frame)
		}
	}
}

// Advance moves virtual time forward by d, firing due timers in deadline
// order and delivering the frames they generate.
func (h *InmemHub) Advance(d time.Duration) {
	target := h.now + d

	for {
		due := h.dueTimers(target)
		if len(due) == 0 {
			break
		}

		for _, t := range due {
			if t.cancelled {
				continue
			}
			h.now = t.deadline
			delete(h.timers, t.id)
			t.cb()
			h.Deliver()
		}
	}

	h.now = target
	h.Deliver()
}

func (h *InmemHub) dueTimers(until time.Duration) []*inmemTimer {
	var due []*inmemTimer
	for _, t := range h.timers {
		if !t.cancelled && t.deadline <= until {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline != due[j].deadline {
			return due[i].deadline < due[j].deadline
		}
		return due[i].id < due[j].id
	})
	return due
}

// InmemTransport is one node's Transport on an InmemHub.
type InmemTransport struct {
	hub       *InmemHub
	id        string
	connected map[string]bool
	handler   func(frame []byte)
}

// SetHandler installs the frame handler, the equivalent of Network.Run's
// frameHandler.
func (t *InmemTransport) SetHandler(handler func(frame []byte)) {
	t.handler = handler
}

// ID returns the node's identity on the hub.
func (t *InmemTransport) ID() string {
	return t.id
}

// Connect implements Transport.
func (t *InmemTransport) Connect(id string) error {
	if _, ok := t.hub.nodes[id]; !ok {
		return ErrShutdown
	}
	t.connected[id] = true
	return nil
}

// Disconnect implements Transport.
func (t *InmemTransport) Disconnect(id string) {
	delete(t.connected, id)
}

// Broadcast implements Transport.
func (t *InmemTransport) Broadcast(frame []byte) {
	ids := make([]string, 0, len(t.connected))
	for id := range t.connected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t.hub.enqueue(id, frame)
	}
}

// BroadcastSample implements Transport.
func (t *InmemTransport) BroadcastSample(ids []string, frame []byte) {
	for _, id := range ids {
		if t.connected[id] {
			t.hub.enqueue(id, frame)
		}
	}
}

// Send implements Transport.
func (t *InmemTransport) Send(id string, frame []byte) {
	if err := t.Connect(id); err != nil {
		return
	}
	t.hub.enqueue(id, frame)
}

// RegisterTimeout implements Transport.
func (t *InmemTransport) RegisterTimeout(d time.Duration, cb func()) TimerID {
	t.hub.nextTimer++
	timer := &inmemTimer{
		id:       t.hub.nextTimer,
		deadline: t.hub.now + d,
		cb:       cb,
	}
	t.hub.timers[timer.id] = timer
	return timer.id
}

// UnregisterTimeout implements Transport.
func (t *InmemTransport) UnregisterTimeout(id TimerID) {
	if timer, ok := t.hub.timers[id]; ok {
		timer.cancelled = true
		delete(t.hub.timers, id)
	}
}
