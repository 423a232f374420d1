package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchEvent(folder string) Event {
	return Event{
		Type:   EventTypeBatchCompleted,
		Source: "test",
		Data:   map[string]interface{}{"model_folder": folder},
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("event not received within timeout")
	}
	return Event{}
}

func TestEventBus_Subscribe(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.Subscribe(EventTypeBatchCompleted)

	before := time.Now()
	bus.Publish(batchEvent("/models/a"))

	ev := receive(t, ch)
	assert.Equal(t, EventTypeBatchCompleted, ev.Type)
	assert.Equal(t, "/models/a", ev.Data["model_folder"])
	assert.False(t, ev.Timestamp.Before(before))
}

func TestEventBus_PublishFansOut(t *testing.T) {
	bus := NewEventBus(10)
	ch1 := bus.Subscribe(EventTypeBatchCompleted)
	ch2 := bus.Subscribe(EventTypeBatchCompleted)
	other := bus.Subscribe(EventTypeBatchFailed)

	bus.Publish(batchEvent("/models/a"))

	receive(t, ch1)
	receive(t, ch2)
	select {
	case <-other:
		t.Fatal("subscriber of another type received the event")
	default:
	}
}

func TestEventBus_SubscribeAllSeesLaterTypes(t *testing.T) {
	bus := NewEventBus(10)
	all := bus.SubscribeAll()

	bus.Publish(batchEvent("/models/a"))
	bus.Publish(Event{Type: EventTypeModelLoaded, Source: "cache"})

	assert.Equal(t, EventTypeBatchCompleted, receive(t, all).Type)
	assert.Equal(t, EventTypeModelLoaded, receive(t, all).Type)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.Subscribe(EventTypeBatchCompleted)

	bus.Unsubscribe(EventTypeBatchCompleted, ch)
	bus.Publish(batchEvent("/models/a"))

	_, ok := <-ch
	assert.False(t, ok)
}

func TestEventBus_CloseIsIdempotent(t *testing.T) {
	bus := NewEventBus(10)
	ch1 := bus.Subscribe(EventTypeBatchCompleted)
	ch2 := bus.SubscribeAll()

	bus.Close()
	bus.Close()

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)

	// Unsubscribing after close must not panic
	bus.Unsubscribe(EventTypeBatchCompleted, ch1)
	bus.Publish(batchEvent("/models/a"))

	late := bus.Subscribe(EventTypeBatchFailed)
	_, ok = <-late
	assert.False(t, ok)
}

func TestEventBus_SubscribeWithHandler(t *testing.T) {
	bus := NewEventBus(10)

	var mu sync.Mutex
	var folders []string
	var failures int
	handler := func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		folders = append(folders, event.Data["model_folder"].(string))
		if len(folders) == 2 {
			return errors.New("second failed")
		}
		return nil
	}
	onError := func(Event, error) {
		mu.Lock()
		defer mu.Unlock()
		failures++
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.SubscribeWithHandler(ctx, EventTypeBatchCompleted, handler, onError)

	bus.Publish(batchEvent("/models/a"))
	bus.Publish(batchEvent("/models/b"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(folders) == 2 && failures == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/models/a", "/models/b"}, folders)
}

func TestEventBus_Publish_NonBlocking(t *testing.T) {
	bus := NewEventBus(1)
	ch := bus.Subscribe(EventTypeBatchCompleted)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(batchEvent("/models/a"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}
