package boardstorage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"whiteboard/board"
	"whiteboard/boardlog"
)

// RedisProvider is a Redis-backed Provider. Elements live in a sorted set
// scored by sequence number; the change feed rides a Redis pubsub channel
// per room.
type RedisProvider struct {
	// client is the Redis client.
	client *redis.Client
	// keyPrefix namespaces all keys.
	keyPrefix string
	// seq assigns server-side sequence numbers.
	seq *snowflake.Node
	// watchers tracks feed subscriptions keyed by room id plus subscriber.
	watchers map[string]*redisFeedWatcher
	// mutex protects the watchers map.
	mutex sync.Mutex
	// closed indicates whether the provider has been closed.
	closed bool
}

// redisFeedWatcher is one change-feed subscription.
type redisFeedWatcher struct {
	// pubsub is the dedicated subscription connection.
	pubsub *redis.PubSub
	// cancel stops the receive loop.
	cancel context.CancelFunc
	// done is closed when the receive loop exits.
	done chan struct{}
}

// NewRedisProvider creates a new RedisProvider. nodeID distinguishes
// sequence generators across server processes.
func NewRedisProvider(client *redis.Client, keyPrefix string, nodeID int64) (*RedisProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequence node: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisProvider{
		client:    client,
		keyPrefix: keyPrefix,
		seq:       node,
		watchers:  make(map[string]*redisFeedWatcher),
	}, nil
}

// roomSlugKey returns the key holding the room record for a slug.
func (p *RedisProvider) roomSlugKey(slug string) string {
	return fmt.Sprintf("%s:room:slug:%s", p.keyPrefix, slug)
}

// elementsKey returns the sorted-set key holding a room's elements.
func (p *RedisProvider) elementsKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:elements", p.keyPrefix, roomID)
}

// feedChannel returns the pubsub channel carrying a room's change feed.
func (p *RedisProvider) feedChannel(roomID string) string {
	return fmt.Sprintf("%s:room:%s:feed", p.keyPrefix, roomID)
}

// participantsKey returns the hash key holding a room's participants.
func (p *RedisProvider) participantsKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:participants", p.keyPrefix, roomID)
}

// GetOrCreateRoom looks up a room by slug, creating it if absent. Creation
// uses SETNX so concurrent creators converge on one record.
func (p *RedisProvider) GetOrCreateRoom(ctx context.Context, slug string) (*Room, error) {
	key := p.roomSlugKey(slug)

	now := time.Now()
	candidate := &Room{
		ID:           uuid.NewString(),
		Slug:         slug,
		Name:         fmt.Sprintf("Room %s", slug),
		CreatedAt:    now,
		LastActivity: now,
	}
	data, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room: %w", err)
	}

	created, err := p.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	if created {
		return candidate, nil
	}

	existing, err := p.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	var room Room
	if err := json.Unmarshal(existing, &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}

	return &room, nil
}

// LoadRoomHistory returns the room's elements in sequence order.
func (p *RedisProvider) LoadRoomHistory(ctx context.Context, roomID string) ([]*board.Element, error) {
	members, err := p.client.ZRange(ctx, p.elementsKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load room history: %w", err)
	}

	elements := make([]*board.Element, 0, len(members))
	for _, member := range members {
		var rec Record
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			boardlog.Warn("skipping undecodable history record",
				zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		elements = append(elements, rec.Element)
	}

	return elements, nil
}

// SaveElement persists the element and publishes it on the feed channel.
func (p *RedisProvider) SaveElement(ctx context.Context, roomID string, element *board.Element) error {
	rec := &Record{
		Sequence: p.seq.Generate().Int64(),
		RoomID:   roomID,
		Element:  element,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := p.client.ZAdd(ctx, p.elementsKey(roomID), &redis.Z{
		Score:  float64(rec.Sequence),
		Member: data,
	}).Err(); err != nil {
		return fmt.Errorf("failed to save element: %w", err)
	}

	if err := p.client.Publish(ctx, p.feedChannel(roomID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish feed record: %w", err)
	}

	return nil
}

// DeleteAllInRoom removes every persisted element in the room.
func (p *RedisProvider) DeleteAllInRoom(ctx context.Context, roomID string) error {
	if err := p.client.Del(ctx, p.elementsKey(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to delete room elements: %w", err)
	}

	return nil
}

// WatchFeed subscribes to the room's change feed.
func (p *RedisProvider) WatchFeed(ctx context.Context, roomID string, subscriberID string, fn FeedFunc) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return fmt.Errorf("provider is closed")
	}

	key := roomID + "|" + subscriberID
	if _, ok := p.watchers[key]; ok {
		return fmt.Errorf("already watching room: %s with subscriberID: %s", roomID, subscriberID)
	}

	pubsub := p.client.Subscribe(ctx, p.feedChannel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to feed: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher := &redisFeedWatcher{
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.watchers[key] = watcher

	go func() {
		defer close(watcher.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					boardlog.Warn("failed to decode feed record",
						zap.String("room_id", roomID), zap.Error(err))
					continue
				}
				if err := fn(watchCtx, &rec); err != nil {
					boardlog.Warn("change feed handler failed",
						zap.String("room_id", roomID), zap.Error(err))
				}
			}
		}
	}()

	return nil
}

// UnwatchFeed removes a change-feed subscription.
func (p *RedisProvider) UnwatchFeed(ctx context.Context, roomID string, subscriberID string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	key := roomID + "|" + subscriberID
	watcher, ok := p.watchers[key]
	if !ok {
		return fmt.Errorf("not watching room: %s with subscriberID: %s", roomID, subscriberID)
	}

	watcher.cancel()
	_ = watcher.pubsub.Close()
	<-watcher.done

	delete(p.watchers, key)

	return nil
}

// TouchParticipant upserts a participant's last-seen record.
func (p *RedisProvider) TouchParticipant(ctx context.Context, roomID string, participant board.Participant) error {
	participant.LastSeen = time.Now().UnixMilli()
	data, err := json.Marshal(participant)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	if err := p.client.HSet(ctx, p.participantsKey(roomID), participant.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to touch participant: %w", err)
	}

	return nil
}

// ActiveParticipants returns participants seen within the window.
func (p *RedisProvider) ActiveParticipants(ctx context.Context, roomID string, window time.Duration) ([]board.Participant, error) {
	fields, err := p.client.HGetAll(ctx, p.participantsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	cutoff := time.Now().Add(-window).UnixMilli()
	active := make([]board.Participant, 0, len(fields))
	for _, raw := range fields {
		var participant board.Participant
		if err := json.Unmarshal([]byte(raw), &participant); err != nil {
			continue
		}
		if participant.LastSeen >= cutoff {
			active = append(active, participant)
		}
	}

	return active, nil
}

// Close closes the provider. The Redis client is owned by the caller and
// is left open.
func (p *RedisProvider) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, watcher := range p.watchers {
		watcher.cancel()
		_ = watcher.pubsub.Close()
	}
	for _, watcher := range p.watchers {
		<-watcher.done
	}
	p.watchers = make(map[string]*redisFeedWatcher)

	return nil
}
