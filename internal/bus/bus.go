// Package bus provides the in-process status broadcast for the engine.
//
// Producers (registry, coordinator, workers) publish progress events; any
// number of observers subscribe with a bounded buffer. Delivery is
// best-effort: an observer that stops draining its channel loses events
// rather than blocking the producer.
package bus

import (
	"sync"
	"time"
)

// EventType classifies a status event.
type EventType string

const (
	// EventDeviceStatus signals a device transitioned online/offline.
	EventDeviceStatus EventType = "device_status"

	// EventJobStarted signals a multi-device run began.
	EventJobStarted EventType = "job_started"

	// EventJobProgress carries per-account progress during a run.
	EventJobProgress EventType = "job_progress"

	// EventJobCompleted signals every worker exited and carries final counts.
	EventJobCompleted EventType = "job_completed"

	// EventWorkerLog carries a human-readable per-device log line.
	EventWorkerLog EventType = "worker_log"
)

// Event is one status update published on the bus.
type Event struct {
	// Type classifies the event.
	Type EventType `json:"type"`

	// Serial is the device this event concerns, if any.
	Serial string `json:"serial,omitempty"`

	// Message is a human-readable summary.
	Message string `json:"message,omitempty"`

	// Payload carries event-specific structured data (job snapshots,
	// progress counters). It must be JSON-marshalable.
	Payload any `json:"payload,omitempty"`

	// Time is when the event was published.
	Time time.Time `json:"time"`
}

// Bus is a many-producer, many-observer broadcast with per-observer
// bounded buffering.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	dropped uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers an observer with the given buffer size and returns its
// event channel plus a cancel function. After cancel returns the channel is
// closed and no further events are delivered.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every observer without blocking. Observers whose
// buffers are full are skipped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped reports how many events were discarded because an observer lagged.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
