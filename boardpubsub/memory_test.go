package boardpubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers decoded events from a subscription.
type collector struct {
	mutex  sync.Mutex
	events []*Event
}

func (c *collector) handle(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	decoder, err := GetEncoderDecoder(format)
	if err != nil {
		return err
	}
	event, err := decoder.Decode(data)
	if err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) get(i int) *Event {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.events[i]
}

func (c *collector) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.events)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %d", n, c.count())
}

func TestMemoryPublishSubscribe(t *testing.T) {
	ps, err := NewMemoryPubSub(nil)
	require.NoError(t, err)
	defer ps.Close()

	ctx := context.Background()
	var c collector
	require.NoError(t, ps.Subscribe(ctx, "room:1", "sub-1", c.handle))

	event := &Event{Type: EventClear, RoomID: "1", UserID: "u1"}
	require.NoError(t, ps.Publish(ctx, "room:1", event, EncodingFormatJSON))

	c.waitFor(t, 1)
	assert.Equal(t, EventClear, c.get(0).Type)
	assert.Equal(t, "u1", c.get(0).UserID)
}

func TestMemoryFanOutToAllSubscribers(t *testing.T) {
	ps, err := NewMemoryPubSub(nil)
	require.NoError(t, err)
	defer ps.Close()

	ctx := context.Background()
	var a, b collector
	require.NoError(t, ps.Subscribe(ctx, "room:1", "sub-a", a.handle))
	require.NoError(t, ps.Subscribe(ctx, "room:1", "sub-b", b.handle))

	require.NoError(t, ps.Publish(ctx, "room:1", &Event{Type: EventUndo, RoomID: "1", UserID: "u1", ElementID: "e1"}, ""))

	a.waitFor(t, 1)
	b.waitFor(t, 1)
}

func TestMemoryTopicIsolation(t *testing.T) {
	ps, err := NewMemoryPubSub(nil)
	require.NoError(t, err)
	defer ps.Close()

	ctx := context.Background()
	var a, b collector
	require.NoError(t, ps.Subscribe(ctx, "room:1", "sub-a", a.handle))
	require.NoError(t, ps.Subscribe(ctx, "room:2", "sub-b", b.handle))

	require.NoError(t, ps.Publish(ctx, "room:1", &Event{Type: EventClear, RoomID: "1", UserID: "u1"}, ""))

	a.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, b.count())
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	ps, err := NewMemoryPubSub(nil)
	require.NoError(t, err)
	defer ps.Close()

	ctx := context.Background()
	var c collector
	require.NoError(t, ps.Subscribe(ctx, "room:1", "sub-1", c.handle))
	require.NoError(t, ps.Unsubscribe(ctx, "room:1", "sub-1"))

	require.NoError(t, ps.Publish(ctx, "room:1", &Event{Type: EventClear, RoomID: "1", UserID: "u1"}, ""))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}

func TestMemoryUnsubscribeUnknown(t *testing.T) {
	ps, err := NewMemoryPubSub(nil)
	require.NoError(t, err)
	defer ps.Close()

	assert.Error(t, ps.Unsubscribe(context.Background(), "room:1", "nope"))
}

func TestMemoryBase64RoundTrip(t *testing.T) {
	ps, err := NewMemoryPubSub(nil)
	require.NoError(t, err)
	defer ps.Close()

	ctx := context.Background()
	var c collector
	require.NoError(t, ps.Subscribe(ctx, "room:1", "sub-1", c.handle))

	event := &Event{Type: EventCursor, RoomID: "1", UserID: "u1", X: 4, Y: 2}
	require.NoError(t, ps.Publish(ctx, "room:1", event, EncodingFormatBase64))

	c.waitFor(t, 1)
	assert.Equal(t, 4.0, c.get(0).X)
}

func TestMemoryClosedRejectsPublish(t *testing.T) {
	ps, err := NewMemoryPubSub(nil)
	require.NoError(t, err)
	require.NoError(t, ps.Close())

	err = ps.Publish(context.Background(), "room:1", &Event{Type: EventClear, RoomID: "1"}, "")
	assert.Error(t, err)

	err = ps.Subscribe(context.Background(), "room:1", "sub-1", func(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
		return nil
	})
	assert.Error(t, err)
}
