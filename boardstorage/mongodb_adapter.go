package boardstorage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"whiteboard/board"
	"whiteboard/boardlog"
)

// MongoProvider is a MongoDB-backed Provider. Elements are rows in an
// elements collection; the change feed is a change stream filtered on the
// room id, the closest equivalent of a database insert feed.
//
// Change streams require a replica set deployment.
type MongoProvider struct {
	// rooms, elements and participants are the backing collections.
	rooms        *mongo.Collection
	elements     *mongo.Collection
	participants *mongo.Collection
	// seq assigns server-side sequence numbers.
	seq *snowflake.Node
	// watchers tracks feed subscriptions keyed by room id plus subscriber.
	watchers map[string]*mongoFeedWatcher
	// mutex protects the watchers map.
	mutex sync.Mutex
	// closed indicates whether the provider has been closed.
	closed bool
}

// mongoFeedWatcher is one change-stream subscription.
type mongoFeedWatcher struct {
	// cancel stops the stream loop.
	cancel context.CancelFunc
	// done is closed when the stream loop exits.
	done chan struct{}
}

// NewMongoProvider creates a new MongoProvider on the given database.
// nodeID distinguishes sequence generators across server processes.
func NewMongoProvider(db *mongo.Database, nodeID int64) (*MongoProvider, error) {
	if db == nil {
		return nil, fmt.Errorf("mongo database cannot be nil")
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequence node: %w", err)
	}

	return &MongoProvider{
		rooms:        db.Collection("rooms"),
		elements:     db.Collection("elements"),
		participants: db.Collection("room_participants"),
		seq:          node,
		watchers:     make(map[string]*mongoFeedWatcher),
	}, nil
}

// GetOrCreateRoom looks up a room by slug, creating it if absent. An
// upsert with SetOnInsert keeps concurrent creators idempotent.
func (p *MongoProvider) GetOrCreateRoom(ctx context.Context, slug string) (*Room, error) {
	now := time.Now()
	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":        uuid.NewString(),
			"slug":       slug,
			"name":       fmt.Sprintf("Room %s", slug),
			"created_at": now,
		},
		"$set": bson.M{
			"last_activity": now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var room Room
	if err := p.rooms.FindOneAndUpdate(ctx, bson.M{"slug": slug}, update, opts).Decode(&room); err != nil {
		return nil, fmt.Errorf("failed to get or create room: %w", err)
	}

	return &room, nil
}

// LoadRoomHistory returns the room's elements in sequence order.
func (p *MongoProvider) LoadRoomHistory(ctx context.Context, roomID string) ([]*board.Element, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := p.elements.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load room history: %w", err)
	}
	defer cursor.Close(ctx)

	var elements []*board.Element
	for cursor.Next(ctx) {
		var rec Record
		if err := cursor.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		elements = append(elements, rec.Element)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return elements, nil
}

// SaveElement persists the element. The change stream delivers the insert
// to watchers; nothing is published explicitly.
func (p *MongoProvider) SaveElement(ctx context.Context, roomID string, element *board.Element) error {
	rec := &Record{
		Sequence: p.seq.Generate().Int64(),
		RoomID:   roomID,
		Element:  element,
	}

	if _, err := p.elements.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to save element: %w", err)
	}

	return nil
}

// DeleteAllInRoom removes every persisted element in the room.
func (p *MongoProvider) DeleteAllInRoom(ctx context.Context, roomID string) error {
	if _, err := p.elements.DeleteMany(ctx, bson.M{"room_id": roomID}); err != nil {
		return fmt.Errorf("failed to delete room elements: %w", err)
	}

	return nil
}

// WatchFeed subscribes to the room's change feed via a change stream
// filtered to inserts for the room.
func (p *MongoProvider) WatchFeed(ctx context.Context, roomID string, subscriberID string, fn FeedFunc) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return fmt.Errorf("provider is closed")
	}

	key := roomID + "|" + subscriberID
	if _, ok := p.watchers[key]; ok {
		return fmt.Errorf("already watching room: %s with subscriberID: %s", roomID, subscriberID)
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.room_id", Value: roomID},
		}}},
	}
	stream, err := p.elements.Watch(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("failed to open change stream: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher := &mongoFeedWatcher{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.watchers[key] = watcher

	go func() {
		defer close(watcher.done)
		defer stream.Close(context.Background())

		for stream.Next(watchCtx) {
			var change struct {
				FullDocument Record `bson:"fullDocument"`
			}
			if err := stream.Decode(&change); err != nil {
				boardlog.Warn("failed to decode change stream event",
					zap.String("room_id", roomID), zap.Error(err))
				continue
			}
			if err := fn(watchCtx, &change.FullDocument); err != nil {
				boardlog.Warn("change feed handler failed",
					zap.String("room_id", roomID), zap.Error(err))
			}
		}
		if err := stream.Err(); err != nil && watchCtx.Err() == nil {
			boardlog.Warn("change stream ended",
				zap.String("room_id", roomID), zap.Error(err))
		}
	}()

	return nil
}

// UnwatchFeed removes a change-feed subscription.
func (p *MongoProvider) UnwatchFeed(ctx context.Context, roomID string, subscriberID string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	key := roomID + "|" + subscriberID
	watcher, ok := p.watchers[key]
	if !ok {
		return fmt.Errorf("not watching room: %s with subscriberID: %s", roomID, subscriberID)
	}

	watcher.cancel()
	<-watcher.done

	delete(p.watchers, key)

	return nil
}

// TouchParticipant upserts a participant's last-seen record.
func (p *MongoProvider) TouchParticipant(ctx context.Context, roomID string, participant board.Participant) error {
	filter := bson.M{"room_id": roomID, "user_id": participant.ID}
	update := bson.M{
		"$set": bson.M{
			"user_name":  participant.Name,
			"user_color": participant.Color,
			"last_seen":  time.Now().UnixMilli(),
		},
		"$setOnInsert": bson.M{
			"joined_at": time.Now().UnixMilli(),
		},
	}
	opts := options.Update().SetUpsert(true)

	if _, err := p.participants.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to touch participant: %w", err)
	}

	return nil
}

// ActiveParticipants returns participants seen within the window.
func (p *MongoProvider) ActiveParticipants(ctx context.Context, roomID string, window time.Duration) ([]board.Participant, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	filter := bson.M{
		"room_id":   roomID,
		"last_seen": bson.M{"$gte": cutoff},
	}

	cursor, err := p.participants.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer cursor.Close(ctx)

	var active []board.Participant
	for cursor.Next(ctx) {
		var participant board.Participant
		if err := cursor.Decode(&participant); err != nil {
			return nil, fmt.Errorf("failed to decode participant: %w", err)
		}
		active = append(active, participant)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return active, nil
}

// Close closes the provider. The Mongo client is owned by the caller and
// is left open.
func (p *MongoProvider) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, watcher := range p.watchers {
		watcher.cancel()
	}
	for _, watcher := range p.watchers {
		<-watcher.done
	}
	p.watchers = make(map[string]*mongoFeedWatcher)

	return nil
}
