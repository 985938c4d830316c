package boardpubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"whiteboard/boardlog"
)

// RedisPubSub implements the PubSub interface using Redis channels.
type RedisPubSub struct {
	// client is the Redis client.
	client *redis.Client
	// options contains the configuration options.
	options *Options
	// subscriptions is keyed by topic plus subscriber id.
	subscriptions map[string]*redisSubscription
	// mutex protects the subscriptions map.
	mutex sync.Mutex
	// closed indicates whether the PubSub has been closed.
	closed bool
}

// redisSubscription represents one subscriber on one Redis channel.
type redisSubscription struct {
	// topic is the channel being subscribed to.
	topic string
	// subscriberID is the unique identifier for the subscriber.
	subscriberID string
	// pubsub is the dedicated Redis subscription connection.
	pubsub *redis.PubSub
	// cancel stops the receive loop.
	cancel context.CancelFunc
	// done is closed when the receive loop exits.
	done chan struct{}
}

// subscriptionKey builds the map key for a topic/subscriber pair.
func subscriptionKey(topic, subscriberID string) string {
	return topic + "|" + subscriberID
}

// NewRedisPubSub creates a new RedisPubSub with the specified Redis client
// and options.
func NewRedisPubSub(client *redis.Client, options *Options) (*RedisPubSub, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	if options == nil {
		options = NewOptions()
	}

	// Test connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPubSub{
		client:        client,
		options:       options,
		subscriptions: make(map[string]*redisSubscription),
	}, nil
}

// Publish publishes an event to the specified topic.
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, event *Event, format EncodingFormat) error {
	if ps.closed {
		return fmt.Errorf("pubsub is closed")
	}

	if format == "" {
		format = ps.options.DefaultFormat
	}

	encoder, err := GetEncoderDecoder(format)
	if err != nil {
		return err
	}

	data, err := encoder.Encode(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return ps.PublishRaw(ctx, topic, data, format)
}

// PublishRaw publishes raw data to the specified topic.
func (ps *RedisPubSub) PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	if ps.closed {
		return fmt.Errorf("pubsub is closed")
	}

	if format == "" {
		format = ps.options.DefaultFormat
	}

	msg := EventMessage{
		Topic:   topic,
		Payload: data,
		Format:  format,
		Metadata: map[string]string{
			"format": string(format),
		},
	}

	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	return ps.client.Publish(ctx, topic, msgData).Err()
}

// Subscribe subscribes to the specified topic and calls the handler for
// each received message. Each subscriber gets its own Redis connection.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return fmt.Errorf("pubsub is closed")
	}

	key := subscriptionKey(topic, subscriberID)
	if _, ok := ps.subscriptions[key]; ok {
		return fmt.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}

	pubsub := ps.client.Subscribe(ctx, topic)

	// Wait for the subscription acknowledgment so callers observe a
	// subscribed channel, not a pending one.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	subscription := &redisSubscription{
		topic:        topic,
		subscriberID: subscriberID,
		pubsub:       pubsub,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	ps.subscriptions[key] = subscription

	go ps.handleMessages(subCtx, subscription, handler)

	return nil
}

// handleMessages pumps messages for one subscription.
func (ps *RedisPubSub) handleMessages(ctx context.Context, subscription *redisSubscription, handler SubscriberFunc) {
	defer close(subscription.done)

	ch := subscription.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var eventMsg EventMessage
			if err := json.Unmarshal([]byte(msg.Payload), &eventMsg); err != nil {
				boardlog.Warn("failed to decode message",
					zap.String("topic", subscription.topic), zap.Error(err))
				continue
			}

			if err := handler(ctx, eventMsg.Topic, eventMsg.Payload, eventMsg.Format); err != nil {
				boardlog.Warn("failed to handle message",
					zap.String("topic", subscription.topic), zap.Error(err))
				continue
			}
		}
	}
}

// Unsubscribe unsubscribes from the specified topic.
func (ps *RedisPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	key := subscriptionKey(topic, subscriberID)
	subscription, ok := ps.subscriptions[key]
	if !ok {
		return fmt.Errorf("not subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}

	if err := subscription.pubsub.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("failed to unsubscribe from topic: %w", err)
	}

	subscription.cancel()
	_ = subscription.pubsub.Close()
	<-subscription.done

	delete(ps.subscriptions, key)

	return nil
}

// Close closes the PubSub. The Redis client is owned by the caller and is
// left open.
func (ps *RedisPubSub) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true

	for _, subscription := range ps.subscriptions {
		subscription.cancel()
		_ = subscription.pubsub.Close()
	}
	for _, subscription := range ps.subscriptions {
		<-subscription.done
	}
	ps.subscriptions = make(map[string]*redisSubscription)

	return nil
}
