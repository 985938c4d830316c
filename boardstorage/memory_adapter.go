package boardstorage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"whiteboard/board"
	"whiteboard/boardlog"
)

// MemoryProvider is an in-process Provider used for tests and the degraded
// local-only mode. The change feed is delivered to in-process watchers.
type MemoryProvider struct {
	// roomsBySlug maps slug to room.
	roomsBySlug map[string]*Room
	// elements maps room id to persisted records in sequence order.
	elements map[string][]*Record
	// watchers maps room id to feed handlers by subscriber id.
	watchers map[string]map[string]FeedFunc
	// participants maps room id to participants by user id.
	participants map[string]map[string]board.Participant
	// seq assigns server-side sequence numbers.
	seq *snowflake.Node
	// mutex protects all maps above.
	mutex sync.RWMutex
	// closed indicates whether the provider has been closed.
	closed bool
}

// NewMemoryProvider creates a new MemoryProvider.
func NewMemoryProvider() (*MemoryProvider, error) {
	node, err := snowflake.NewNode(0)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequence node: %w", err)
	}

	return &MemoryProvider{
		roomsBySlug:  make(map[string]*Room),
		elements:     make(map[string][]*Record),
		watchers:     make(map[string]map[string]FeedFunc),
		participants: make(map[string]map[string]board.Participant),
		seq:          node,
	}, nil
}

// GetOrCreateRoom looks up a room by slug, creating it if absent.
func (p *MemoryProvider) GetOrCreateRoom(ctx context.Context, slug string) (*Room, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil, fmt.Errorf("provider is closed")
	}

	if room, ok := p.roomsBySlug[slug]; ok {
		return room, nil
	}

	now := time.Now()
	room := &Room{
		ID:           uuid.NewString(),
		Slug:         slug,
		Name:         fmt.Sprintf("Room %s", slug),
		CreatedAt:    now,
		LastActivity: now,
	}
	p.roomsBySlug[slug] = room

	return room, nil
}

// LoadRoomHistory returns the room's elements in sequence order.
func (p *MemoryProvider) LoadRoomHistory(ctx context.Context, roomID string) ([]*board.Element, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	records := p.elements[roomID]
	elements := make([]*board.Element, 0, len(records))
	for _, rec := range records {
		elements = append(elements, rec.Element)
	}

	return elements, nil
}

// SaveElement persists the element and fires the change feed.
func (p *MemoryProvider) SaveElement(ctx context.Context, roomID string, element *board.Element) error {
	p.mutex.Lock()

	if p.closed {
		p.mutex.Unlock()
		return fmt.Errorf("provider is closed")
	}

	rec := &Record{
		Sequence: p.seq.Generate().Int64(),
		RoomID:   roomID,
		Element:  element,
	}
	p.elements[roomID] = append(p.elements[roomID], rec)

	watchers := make([]FeedFunc, 0, len(p.watchers[roomID]))
	for _, fn := range p.watchers[roomID] {
		watchers = append(watchers, fn)
	}
	p.mutex.Unlock()

	// Deliver the feed outside the lock; a handler error drops the record
	// for that watcher only.
	for _, fn := range watchers {
		go func(fn FeedFunc) {
			if err := fn(ctx, rec); err != nil {
				boardlog.Warn("change feed handler failed",
					zap.String("room_id", roomID), zap.Error(err))
			}
		}(fn)
	}

	return nil
}

// DeleteAllInRoom removes every persisted element in the room.
func (p *MemoryProvider) DeleteAllInRoom(ctx context.Context, roomID string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	delete(p.elements, roomID)

	return nil
}

// WatchFeed subscribes to the room's change feed.
func (p *MemoryProvider) WatchFeed(ctx context.Context, roomID string, subscriberID string, fn FeedFunc) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return fmt.Errorf("provider is closed")
	}

	if _, ok := p.watchers[roomID]; !ok {
		p.watchers[roomID] = make(map[string]FeedFunc)
	}
	if _, ok := p.watchers[roomID][subscriberID]; ok {
		return fmt.Errorf("already watching room: %s with subscriberID: %s", roomID, subscriberID)
	}
	p.watchers[roomID][subscriberID] = fn

	return nil
}

// UnwatchFeed removes a change-feed subscription.
func (p *MemoryProvider) UnwatchFeed(ctx context.Context, roomID string, subscriberID string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	watchers, ok := p.watchers[roomID]
	if !ok {
		return fmt.Errorf("not watching room: %s", roomID)
	}
	if _, ok := watchers[subscriberID]; !ok {
		return fmt.Errorf("subscriber not found for room: %s", roomID)
	}
	delete(watchers, subscriberID)
	if len(watchers) == 0 {
		delete(p.watchers, roomID)
	}

	return nil
}

// TouchParticipant upserts a participant's last-seen record.
func (p *MemoryProvider) TouchParticipant(ctx context.Context, roomID string, participant board.Participant) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.participants[roomID]; !ok {
		p.participants[roomID] = make(map[string]board.Participant)
	}
	if existing, ok := p.participants[roomID][participant.ID]; ok {
		participant.JoinedAt = existing.JoinedAt
	}
	participant.LastSeen = time.Now().UnixMilli()
	p.participants[roomID][participant.ID] = participant

	return nil
}

// ActiveParticipants returns participants seen within the window.
func (p *MemoryProvider) ActiveParticipants(ctx context.Context, roomID string, window time.Duration) ([]board.Participant, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	cutoff := time.Now().Add(-window).UnixMilli()
	active := make([]board.Participant, 0, len(p.participants[roomID]))
	for _, participant := range p.participants[roomID] {
		if participant.LastSeen >= cutoff {
			active = append(active, participant)
		}
	}

	return active, nil
}

// Close closes the provider.
func (p *MemoryProvider) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.closed = true
	p.watchers = make(map[string]map[string]FeedFunc)

	return nil
}
