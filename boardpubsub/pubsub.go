package boardpubsub

import (
	"context"
)

// EncodingFormat represents the format used to encode broadcast events.
type EncodingFormat string

const (
	// EncodingFormatJSON represents JSON encoding.
	EncodingFormatJSON EncodingFormat = "json"
	// EncodingFormatBase64 represents base64-wrapped JSON encoding.
	EncodingFormatBase64 EncodingFormat = "base64"
)

// EventType identifies a broadcast control message. Element creation is NOT
// broadcast here: new elements fan out through the persistence change feed.
type EventType string

const (
	// EventCursor is a pointer position update.
	EventCursor EventType = "cursor"
	// EventClear empties the room's document on every client.
	EventClear EventType = "clear"
	// EventUndo removes the named element on every client.
	EventUndo EventType = "undo"
	// EventRedo restores the named element on every client.
	EventRedo EventType = "redo"
	// EventDelete removes the named element without making it redoable.
	EventDelete EventType = "delete"
	// EventJoin announces a user entering the room.
	EventJoin EventType = "join"
	// EventLeave announces a user leaving the room.
	EventLeave EventType = "leave"
)

// Event is one typed control message on a room's broadcast channel. Every
// event carries the originator's user id so receivers can suppress their
// own echoes.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`
	// RoomID is the room the event belongs to.
	RoomID string `json:"room_id"`
	// UserID is the originating user.
	UserID string `json:"user_id"`
	// UserName is the originator's display name, where relevant.
	UserName string `json:"user_name,omitempty"`
	// Color is the originator's display color, where relevant.
	Color string `json:"color,omitempty"`
	// X and Y carry the pointer position for cursor events.
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
	// ElementID names the target element for undo, redo and delete events.
	ElementID string `json:"element_id,omitempty"`
}

// EventMessage represents a wire message containing an encoded event.
type EventMessage struct {
	// Topic is the topic the message was published to.
	Topic string
	// Payload is the encoded event data.
	Payload []byte
	// Format is the encoding format used for the payload.
	Format EncodingFormat
	// Metadata is optional metadata associated with the message.
	Metadata map[string]string
}

// MessageHandler is a function that handles a received event message.
type MessageHandler func(msg EventMessage) error

// SubscriberFunc is a function that handles a received event message with
// raw data.
type SubscriberFunc func(ctx context.Context, topic string, data []byte, format EncodingFormat) error

// Publisher defines the interface for publishing events.
type Publisher interface {
	// Publish publishes an event to the specified topic.
	Publish(ctx context.Context, topic string, event *Event, format EncodingFormat) error
	// PublishRaw publishes raw data to the specified topic.
	PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error
	// Close closes the publisher.
	Close() error
}

// Subscriber defines the interface for subscribing to events.
type Subscriber interface {
	// Subscribe subscribes to the specified topic and calls the handler for
	// each received message.
	Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error
	// Unsubscribe unsubscribes from the specified topic.
	Unsubscribe(ctx context.Context, topic string, subscriberID string) error
	// Close closes the subscriber.
	Close() error
}

// PubSub combines the Publisher and Subscriber interfaces. Delivery is
// at-most-once with no ordering guarantee across event types.
type PubSub interface {
	Publisher
	Subscriber
}

// Options represents configuration options for a PubSub implementation.
type Options struct {
	// DefaultFormat is the default encoding format to use.
	DefaultFormat EncodingFormat
	// ClientID is the client id to use for the PubSub service.
	ClientID string
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		DefaultFormat: EncodingFormatJSON,
	}
}
