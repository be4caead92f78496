package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/deskmate/internal/model"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub()

	a, cancelA := h.Subscribe()
	defer cancelA()
	b, cancelB := h.Subscribe()
	defer cancelB()

	h.Publish(Event{Kind: KindStatusChanged, AccountID: "acc", Status: model.StatusListening})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindStatusChanged, ev.Kind)
			assert.Equal(t, model.StatusListening, ev.Status)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubPublishNeverBlocks(t *testing.T) {
	h := NewHub()

	ch, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains ch; overflow must be dropped, not queued.
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Publish(Event{Kind: KindNewMessage, AccountID: "acc"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, subscriberBuffer, len(ch))
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()

	ch, cancel := h.Subscribe()
	cancel()
	cancel() // second cancel is a no-op

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	h.Publish(Event{Kind: KindNewMessage, AccountID: "acc"})
}
