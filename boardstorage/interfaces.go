package boardstorage

import (
	"context"
	"time"

	"whiteboard/board"
)

// Room is a named collaboration session, the unit of isolation for all
// elements and sync traffic.
type Room struct {
	// ID is the server-assigned room identifier.
	ID string `json:"id" bson:"_id"`
	// Slug is the human-readable lookup key.
	Slug string `json:"slug" bson:"slug"`
	// Name is the display name.
	Name string `json:"name" bson:"name"`
	// CreatedAt is when the room was created.
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	// LastActivity is when the room was last written to.
	LastActivity time.Time `json:"last_activity" bson:"last_activity"`
}

// Record is one persisted element row, the payload delivered by the change
// feed. Sequence is assigned by the provider at save time and orders room
// history independently of client timestamps.
type Record struct {
	// Sequence is the server-assigned ordering key.
	Sequence int64 `json:"sequence" bson:"sequence"`
	// RoomID is the room the element belongs to.
	RoomID string `json:"room_id" bson:"room_id"`
	// Element is the persisted element.
	Element *board.Element `json:"element" bson:"element"`
}

// FeedFunc handles one change-feed record.
type FeedFunc func(ctx context.Context, rec *Record) error

// Provider is the persistence gateway: durable storage for rooms and
// elements plus the change feed that fans newly persisted elements out to
// subscribed clients. Saves are best-effort with no retry; failures are the
// caller's to track.
type Provider interface {
	// GetOrCreateRoom looks up a room by slug, creating it if absent. The
	// operation is idempotent. Callers fall back to using the slug itself
	// as the room id when the provider is unavailable.
	GetOrCreateRoom(ctx context.Context, slug string) (*Room, error)

	// LoadRoomHistory returns the room's persisted elements ordered by
	// server-assigned sequence number, NOT by client timestamp.
	LoadRoomHistory(ctx context.Context, roomID string) ([]*board.Element, error)

	// SaveElement persists one element, assigns its sequence number, and
	// fires the change feed.
	SaveElement(ctx context.Context, roomID string, element *board.Element) error

	// DeleteAllInRoom removes every persisted element in the room.
	DeleteAllInRoom(ctx context.Context, roomID string) error

	// WatchFeed subscribes to the room's change feed. The handler receives
	// the full persisted record for every newly saved element, including
	// the saver's own.
	WatchFeed(ctx context.Context, roomID string, subscriberID string, fn FeedFunc) error

	// UnwatchFeed removes a change-feed subscription.
	UnwatchFeed(ctx context.Context, roomID string, subscriberID string) error

	// TouchParticipant upserts a participant's durable last-seen record.
	TouchParticipant(ctx context.Context, roomID string, p board.Participant) error

	// ActiveParticipants returns participants seen within the window.
	ActiveParticipants(ctx context.Context, roomID string, window time.Duration) ([]board.Participant, error)

	// Close closes the provider.
	Close() error
}
