package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repowiki/repowiki/internal/common/logger"
)

func collectEvents(t *testing.T, b *MemoryEventBus, subject string) (<-chan *Event, Subscription) {
	t.Helper()
	ch := make(chan *Event, 16)
	sub, err := b.Subscribe(subject, func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	return ch, sub
}

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	ch, sub := collectEvents(t, b, "repowiki.repository.created")
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("repository.created", "wiki-service", map[string]interface{}{
		"repository_id": "repo-1",
	})
	require.NoError(t, b.Publish(context.Background(), "repowiki.repository.created", event))

	got := waitForEvent(t, ch)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "repository.created", got.Type)
	assert.Equal(t, "repo-1", got.Data["repository_id"])
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	single, _ := collectEvents(t, b, "repowiki.repository.*")
	multi, _ := collectEvents(t, b, "repowiki.>")
	other, _ := collectEvents(t, b, "repowiki.update_task.*")

	event := NewEvent("repository.processing.completed", "worker", nil)
	require.NoError(t, b.Publish(context.Background(), "repowiki.repository.repo-1", event))

	assert.Equal(t, event.ID, waitForEvent(t, single).ID)
	assert.Equal(t, event.ID, waitForEvent(t, multi).ID)

	select {
	case <-other:
		t.Fatal("update_task subscriber should not receive repository events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	deliveries := 0
	handler := func(ctx context.Context, e *Event) error {
		mu.Lock()
		deliveries++
		mu.Unlock()
		return nil
	}

	_, err := b.QueueSubscribe("repowiki.wiki.updated", "notifiers", handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("repowiki.wiki.updated", "notifiers", handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "repowiki.wiki.updated",
		NewEvent("wiki.updated", "scheduler", nil)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 1
	}, time.Second, 10*time.Millisecond)

	// Give a wayward second delivery a chance to show up.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, deliveries)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	ch, sub := collectEvents(t, b, "repowiki.repository.created")
	assert.True(t, sub.IsValid())
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "repowiki.repository.created",
		NewEvent("repository.created", "wiki-service", nil)))

	select {
	case <-ch:
		t.Fatal("unsubscribed handler should not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "repowiki.repository.created",
		NewEvent("repository.created", "wiki-service", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("repowiki.repository.created", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
