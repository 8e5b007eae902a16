// Package events fans build progress out to any number of listeners.
package events

import (
	"sync"
	"time"
)

// Type identifies a build event.
type Type string

const (
	BuildStart    Type = "buildStart"
	BuildProgress Type = "buildProgress"
	BuildSuccess  Type = "buildSuccess"
	BuildError    Type = "buildError"
)

// Event is one build lifecycle notification.
type Event struct {
	Type      Type    `json:"type"`
	RunID     string  `json:"runId"`
	Phase     string  `json:"phase,omitempty"`
	Message   string  `json:"message,omitempty"`
	Percent   float64 `json:"percent,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Attach subscribes fn to b and calls it for every event on its own
// goroutine. The returned function unsubscribes and waits for fn to drain.
func Attach(b *Broadcaster, fn func(Event)) (detach func()) {
	ch := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fn(ev)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.Unsubscribe(ch)
			<-done
		})
	}
}
