package boardsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"whiteboard/board"
	"whiteboard/boardlog"
)

// RedisPresenceTracker is a Redis-backed PresenceTracker. Each participant
// is one key with a TTL equal to the presence window, so stale entries
// expire without a reaper.
type RedisPresenceTracker struct {
	// client is the Redis client.
	client *redis.Client
	// keyPrefix namespaces all presence keys.
	keyPrefix string
	// window is how long a participant stays present after its last announce.
	window time.Duration
}

// NewRedisPresenceTracker creates a new RedisPresenceTracker. A non-positive
// window falls back to DefaultPresenceWindow.
func NewRedisPresenceTracker(client *redis.Client, keyPrefix string, window time.Duration) (*RedisPresenceTracker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if window <= 0 {
		window = DefaultPresenceWindow
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPresenceTracker{
		client:    client,
		keyPrefix: keyPrefix,
		window:    window,
	}, nil
}

// participantKey returns the key holding one participant's presence record.
func (t *RedisPresenceTracker) participantKey(roomID, userID string) string {
	return fmt.Sprintf("%s:presence:%s:%s", t.keyPrefix, roomID, userID)
}

// roomPattern returns the key pattern matching a room's presence records.
func (t *RedisPresenceTracker) roomPattern(roomID string) string {
	return fmt.Sprintf("%s:presence:%s:*", t.keyPrefix, roomID)
}

// Announce records the participant as present. The key TTL is the presence
// window, so a participant that stops announcing ages off on its own.
func (t *RedisPresenceTracker) Announce(ctx context.Context, roomID string, p board.Participant) error {
	if p.JoinedAt == 0 {
		p.JoinedAt = time.Now().UnixMilli()
	}
	p.LastSeen = time.Now().UnixMilli()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	if err := t.client.Set(ctx, t.participantKey(roomID, p.ID), data, t.window).Err(); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}

	return nil
}

// Leave removes the participant immediately.
func (t *RedisPresenceTracker) Leave(ctx context.Context, roomID string, userID string) error {
	if err := t.client.Del(ctx, t.participantKey(roomID, userID)).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}

	return nil
}

// Roster returns the participants currently present in the room.
func (t *RedisPresenceTracker) Roster(ctx context.Context, roomID string) ([]board.Participant, error) {
	var roster []board.Participant

	iter := t.client.Scan(ctx, 0, t.roomPattern(roomID), 100).Iterator()
	for iter.Next(ctx) {
		data, err := t.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			// The key can expire between SCAN and GET.
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("failed to get presence record: %w", err)
		}

		var p board.Participant
		if err := json.Unmarshal(data, &p); err != nil {
			boardlog.Warn("skipping undecodable presence record",
				zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		roster = append(roster, p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence records: %w", err)
	}

	return roster, nil
}

// Close stops the tracker. The Redis client is owned by the caller and is
// left open.
func (t *RedisPresenceTracker) Close() error {
	return nil
}
