package monitor

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventReading EventKind = "reading"
	EventAlert   EventKind = "alert"
	EventStatus  EventKind = "status"
	EventFault   EventKind = "fault"
)

// Reading is one successful sensor poll.
type Reading struct {
	Temperature float32   `json:"temperature"` // °C
	Humidity    float32   `json:"humidity"`    // %RH
	Time        time.Time `json:"time"`
}

// Alert marks entering or leaving the overheated state.
type Alert struct {
	Overheated  bool    `json:"overheated"`
	Temperature float32 `json:"temperature"`
	Humidity    float32 `json:"humidity"`
	Limit       float32 `json:"limit"`
}

// Status is a snapshot of the monitor.
type Status struct {
	Connected           bool     `json:"connected"`
	Port                string   `json:"port"`
	Threshold           float32  `json:"threshold"`
	Overheated          bool     `json:"overheated"`
	Timeouts            int32    `json:"timeouts"` // consecutive
	PollIntervalMs      int64    `json:"pollIntervalMs"`
	ClockSyncIntervalMs int64    `json:"clockSyncIntervalMs"`
	Last                *Reading `json:"last,omitempty"`
}

// Event is what subscribers receive. Exactly one of the pointer fields is
// set, matching Kind.
type Event struct {
	Kind    EventKind `json:"kind"`
	Reading *Reading  `json:"reading,omitempty"`
	Alert   *Alert    `json:"alert,omitempty"`
	Status  *Status   `json:"status,omitempty"`
	Fault   string    `json:"fault,omitempty"`
	Stamp   int64     `json:"stamp"` // Unix ms
}

// hub fans events out to subscribers. Slow subscribers miss events rather
// than stalling the dispatcher.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func (h *hub) subscribe(buf int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]chan Event)
	}
	id := h.next
	h.next++
	ch := make(chan Event, buf)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *hub) publish(e Event) {
	if e.Stamp == 0 {
		e.Stamp = time.Now().UnixMilli()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
