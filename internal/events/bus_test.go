package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusTypedSubscription(t *testing.T) {
	b := NewBus()
	stateCh := b.Subscribe(TypeDeviceState)
	allCh := b.Subscribe()

	b.Emit(TypeDeviceState, "hub", "dev-01", map[string]interface{}{"temperature": 21.0})
	b.Emit(TypeRuleFired, "hub", "rule-1", nil)

	select {
	case ev := <-stateCh:
		assert.Equal(t, TypeDeviceState, ev.Type)
		assert.Equal(t, "dev-01", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("typed subscriber did not receive event")
	}

	// Typed subscriber must not see the rule event.
	select {
	case ev := <-stateCh:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}

	// All-subscriber sees both.
	require.Len(t, drain(allCh), 2)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TypeDeviceOnline)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel is closed")
}

func TestBusFullSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	b.bufferSize = 1
	ch := b.Subscribe(TypeOTAProgress)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Emit(TypeOTAProgress, "hub", "s-1", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, drain(ch), 1, "overflow events are dropped")
}

func drain(ch chan *Event) []*Event {
	var out []*Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
