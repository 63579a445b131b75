// Package events provides the in-process pub/sub bus that fans hub
// activity (device state, rule fires, OTA progress, enrollment) out to the
// dashboard stream and other observers.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Event is one hub occurrence. Subject carries the affected entity id
// (node id, rule id, session id).
type Event struct {
	Type    string                 `json:"type"`
	Source  string                 `json:"source"`
	Subject string                 `json:"subject,omitempty"`
	ID      string                 `json:"id"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data"`
}

// Well-known event types published by the hub core.
const (
	TypeDeviceRegistered = "device.registered"
	TypeDeviceUpdated    = "device.updated"
	TypeDeviceState      = "device.state_changed"
	TypeDeviceOnline     = "device.online"
	TypeDeviceOffline    = "device.offline"
	TypeRuleFired        = "rule.fired"
	TypeOTAProgress      = "ota.progress"
	TypeEnrollment       = "enrollment.completed"
	TypePeerSeen         = "peer.seen"
	TypePeerLost         = "peer.lost"
)

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		Type:    eventType,
		Source:  source,
		Subject: subject,
		ID:      fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time:    time.Now(),
		Data:    data,
	}
}

// Bus is an in-process pub/sub event bus. Delivery to a full subscriber
// channel is dropped rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // event type -> channels
	allSubs     []chan *Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no type is passed.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers an event to all matching subscribers without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; drop.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event in one call.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
