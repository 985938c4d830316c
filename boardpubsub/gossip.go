package boardpubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/zap"

	"whiteboard/boardlog"
)

// GossipPubSub implements the PubSub interface over libp2p gossipsub, for
// deployments without a hosted broker. Rooms become gossipsub topics.
type GossipPubSub struct {
	// host is the libp2p host.
	host host.Host
	// ps is the gossipsub router.
	ps *pubsub.PubSub
	// options contains the configuration options.
	options *Options
	// topics caches joined topics; gossipsub allows one join per topic.
	topics map[string]*pubsub.Topic
	// subscriptions is keyed by topic plus subscriber id.
	subscriptions map[string]*gossipSubscription
	// mutex protects the maps above.
	mutex sync.Mutex
	// closed indicates whether the PubSub has been closed.
	closed bool
}

// gossipSubscription represents one subscriber on one gossipsub topic.
type gossipSubscription struct {
	// sub is the underlying gossipsub subscription.
	sub *pubsub.Subscription
	// cancel stops the receive loop.
	cancel context.CancelFunc
	// done is closed when the receive loop exits.
	done chan struct{}
}

// NewGossipHost creates a libp2p host with a gossipsub router attached,
// listening on an ephemeral local TCP port. Peer wiring (connecting hosts
// to each other) is left to the caller.
func NewGossipHost(ctx context.Context) (host.Host, *pubsub.PubSub, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, nil, fmt.Errorf("failed to create gossipsub router: %w", err)
	}

	return h, ps, nil
}

// NewGossipPubSub creates a new GossipPubSub on an existing host and
// gossipsub router.
func NewGossipPubSub(h host.Host, ps *pubsub.PubSub, options *Options) (*GossipPubSub, error) {
	if h == nil || ps == nil {
		return nil, fmt.Errorf("host and gossipsub router cannot be nil")
	}

	if options == nil {
		options = NewOptions()
	}

	return &GossipPubSub{
		host:          h,
		ps:            ps,
		options:       options,
		topics:        make(map[string]*pubsub.Topic),
		subscriptions: make(map[string]*gossipSubscription),
	}, nil
}

// joinTopic returns the joined gossipsub topic, joining on first use.
// Callers must hold the mutex.
func (ps *GossipPubSub) joinTopic(topic string) (*pubsub.Topic, error) {
	if t, ok := ps.topics[topic]; ok {
		return t, nil
	}
	t, err := ps.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic: %w", err)
	}
	ps.topics[topic] = t
	return t, nil
}

// Publish publishes an event to the specified topic.
func (ps *GossipPubSub) Publish(ctx context.Context, topic string, event *Event, format EncodingFormat) error {
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
func (ps *GossipPubSub) PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return fmt.Errorf("pubsub is closed")
	}
	t, err := ps.joinTopic(topic)
	ps.mutex.Unlock()
	if err != nil {
		return err
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

	return t.Publish(ctx, msgData)
}

// Subscribe subscribes to the specified topic and calls the handler for
// each received message.
func (ps *GossipPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return fmt.Errorf("pubsub is closed")
	}

	key := subscriptionKey(topic, subscriberID)
	if _, ok := ps.subscriptions[key]; ok {
		return fmt.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}

	t, err := ps.joinTopic(topic)
	if err != nil {
		return err
	}

	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	subscription := &gossipSubscription{
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ps.subscriptions[key] = subscription

	go ps.handleMessages(subCtx, topic, subscription, handler)

	return nil
}

// handleMessages pumps messages for one subscription. Messages published by
// this host are skipped; the session filters by user id on top of that.
func (ps *GossipPubSub) handleMessages(ctx context.Context, topic string, subscription *gossipSubscription, handler SubscriberFunc) {
	defer close(subscription.done)

	for {
		msg, err := subscription.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			boardlog.Warn("failed to receive gossip message",
				zap.String("topic", topic), zap.Error(err))
			return
		}

		if msg.ReceivedFrom == ps.host.ID() {
			continue
		}

		var eventMsg EventMessage
		if err := json.Unmarshal(msg.Data, &eventMsg); err != nil {
			boardlog.Warn("failed to decode gossip message",
				zap.String("topic", topic), zap.Error(err))
			continue
		}

		if err := handler(ctx, eventMsg.Topic, eventMsg.Payload, eventMsg.Format); err != nil {
			boardlog.Warn("failed to handle gossip message",
				zap.String("topic", topic), zap.Error(err))
			continue
		}
	}
}

// Unsubscribe unsubscribes from the specified topic.
func (ps *GossipPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	key := subscriptionKey(topic, subscriberID)
	subscription, ok := ps.subscriptions[key]
	if !ok {
		return fmt.Errorf("not subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}

	subscription.cancel()
	subscription.sub.Cancel()
	<-subscription.done

	delete(ps.subscriptions, key)

	return nil
}

// Close closes the PubSub and leaves all topics. The libp2p host is owned
// by the caller and is left open.
func (ps *GossipPubSub) Close() error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true

	for _, subscription := range ps.subscriptions {
		subscription.cancel()
		subscription.sub.Cancel()
	}
	for _, subscription := range ps.subscriptions {
		<-subscription.done
	}
	ps.subscriptions = make(map[string]*gossipSubscription)

	for _, t := range ps.topics {
		if err := t.Close(); err != nil {
			boardlog.Warn("failed to close gossip topic", zap.Error(err))
		}
	}
	ps.topics = make(map[string]*pubsub.Topic)

	return nil
}
