package boardsync

import (
	"context"
	"sync"
	"time"

	"whiteboard/board"
)

// MemoryPresenceTracker is an in-process PresenceTracker. Sessions in the
// same process share one tracker so they see each other on the roster.
type MemoryPresenceTracker struct {
	// window is how long a participant stays present after its last announce.
	window time.Duration
	// rooms maps room id to participants by user id.
	rooms map[string]map[string]board.Participant
	// mutex protects the rooms map.
	mutex sync.RWMutex
}

// NewMemoryPresenceTracker creates a new MemoryPresenceTracker. A
// non-positive window falls back to DefaultPresenceWindow.
func NewMemoryPresenceTracker(window time.Duration) *MemoryPresenceTracker {
	if window <= 0 {
		window = DefaultPresenceWindow
	}
	return &MemoryPresenceTracker{
		window: window,
		rooms:  make(map[string]map[string]board.Participant),
	}
}

// Announce records the participant as present.
func (t *MemoryPresenceTracker) Announce(ctx context.Context, roomID string, p board.Participant) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]board.Participant)
		t.rooms[roomID] = room
	}
	if existing, ok := room[p.ID]; ok {
		p.JoinedAt = existing.JoinedAt
	} else if p.JoinedAt == 0 {
		p.JoinedAt = time.Now().UnixMilli()
	}
	p.LastSeen = time.Now().UnixMilli()
	room[p.ID] = p

	return nil
}

// Leave removes the participant immediately.
func (t *MemoryPresenceTracker) Leave(ctx context.Context, roomID string, userID string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if room, ok := t.rooms[roomID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}

	return nil
}

// Roster returns the participants whose last announce falls inside the
// window.
func (t *MemoryPresenceTracker) Roster(ctx context.Context, roomID string) ([]board.Participant, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	cutoff := time.Now().Add(-t.window).UnixMilli()
	roster := make([]board.Participant, 0, len(t.rooms[roomID]))
	for _, p := range t.rooms[roomID] {
		if p.LastSeen >= cutoff {
			roster = append(roster, p)
		}
	}

	return roster, nil
}

// Close stops the tracker.
func (t *MemoryPresenceTracker) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.rooms = make(map[string]map[string]board.Participant)

	return nil
}
