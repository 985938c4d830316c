package boardsync

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"whiteboard/board"
	"whiteboard/boardlog"
	"whiteboard/boardpubsub"
	"whiteboard/boardstorage"
)

// Options represents configuration options for a Session.
type Options struct {
	// Format is the encoding format for broadcast events.
	Format boardpubsub.EncodingFormat
	// CursorThrottle is the minimum interval between outgoing cursor events.
	CursorThrottle time.Duration
	// HeartbeatInterval is how often presence is re-announced.
	HeartbeatInterval time.Duration
	// Reconnect enables retrying the channel attach with backoff.
	Reconnect bool
	// MaxReconnectAttempts bounds the attach retries when Reconnect is on.
	MaxReconnectAttempts int
	// ReconnectBaseDelay is the first retry delay; it doubles per attempt.
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay caps the retry delay.
	ReconnectMaxDelay time.Duration
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		Format:               boardpubsub.EncodingFormatJSON,
		CursorThrottle:       50 * time.Millisecond,
		HeartbeatInterval:    30 * time.Second,
		Reconnect:            false,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   500 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Second,
	}
}

// Session binds one user's document to a room: it subscribes to the room's
// broadcast channel and change feed, applies remote activity to the local
// document, and publishes this user's own activity.
//
// A session with a nil pubsub and nil provider runs in degraded local-only
// mode: the document still works, all network operations are no-ops.
//
// All remote events carry the originator's user id; the session drops its
// own echoes so local state is never applied twice.
type Session struct {
	// doc is the document remote activity is applied to.
	doc *board.Document
	// pubsub is the broadcast channel transport, nil in local-only mode.
	pubsub boardpubsub.PubSub
	// provider is the persistence gateway, nil in local-only mode.
	provider boardstorage.Provider
	// presence tracks who is in the room, nil to disable presence.
	presence PresenceTracker
	// callbacks are the application hooks for remote activity.
	callbacks Callbacks
	// options contains the configuration options.
	options *Options

	// userID, userName and color identify this session's user.
	userID   string
	userName string
	color    string

	// roomID is the resolved room id, set by Connect.
	roomID string
	// topic is the broadcast channel name, set by Connect.
	topic string
	// subscriberID identifies this session on the pubsub and the feed.
	subscriberID string

	// state is the session lifecycle state, accessed atomically.
	state int32

	// cursorMutex guards lastCursor for the outgoing cursor throttle.
	cursorMutex sync.Mutex
	lastCursor  time.Time

	// cursors holds the last-known pointer position per remote user,
	// last write wins. Entries are dropped when the user leaves.
	cursors      map[string]board.CursorPosition
	cursorsMutex sync.RWMutex

	// heartbeatCancel stops the presence heartbeat loop.
	heartbeatCancel context.CancelFunc
	// heartbeatDone is closed when the heartbeat loop exits.
	heartbeatDone chan struct{}

	// closeOnce guards Close.
	closeOnce sync.Once
}

// NewSession creates a new Session for the given user. pubsub, provider and
// presence may each be nil; whatever is missing is skipped.
func NewSession(doc *board.Document, pubsub boardpubsub.PubSub, provider boardstorage.Provider, presence PresenceTracker, userID, userName, color string, callbacks Callbacks, options *Options) *Session {
	if doc == nil {
		doc = board.NewDocument()
	}
	if options == nil {
		options = NewOptions()
	}

	return &Session{
		doc:          doc,
		pubsub:       pubsub,
		provider:     provider,
		presence:     presence,
		callbacks:    callbacks,
		options:      options,
		userID:       userID,
		userName:     userName,
		color:        color,
		subscriberID: "session-" + userID,
		cursors:      make(map[string]board.CursorPosition),
		state:        int32(StateDisconnected),
	}
}

// Document returns the session's document.
func (s *Session) Document() *board.Document {
	return s.doc
}

// RoomID returns the resolved room id, empty before Connect.
func (s *Session) RoomID() string {
	return s.roomID
}

// UserID returns the session's user id.
func (s *Session) UserID() string {
	return s.userID
}

// UserName returns the session's user display name.
func (s *Session) UserName() string {
	return s.userName
}

// State returns the current session state.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// setState transitions the session state and fires the callback.
func (s *Session) setState(next State) {
	atomic.StoreInt32(&s.state, int32(next))
	if s.callbacks.OnStateChanged != nil {
		s.callbacks.OnStateChanged(next)
	}
}

// Connect resolves the room by slug, attaches the broadcast channel and the
// change feed, hydrates the document from history, and announces presence.
// With Options.Reconnect the attach is retried with exponential backoff.
func (s *Session) Connect(ctx context.Context, slug string) error {
	if slug == "" {
		return fmt.Errorf("room slug cannot be empty")
	}
	if s.userID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if s.State() != StateDisconnected {
		return fmt.Errorf("session already connected")
	}

	s.setState(StateConnecting)

	s.roomID = slug
	if s.provider != nil {
		room, err := s.provider.GetOrCreateRoom(ctx, slug)
		if err != nil {
			// The slug doubles as the room id when the room record is
			// unreachable; the session stays usable.
			boardlog.Warn("failed to resolve room, using slug as room id",
				zap.String("slug", slug), zap.Error(err))
		} else {
			s.roomID = room.ID
		}
	}
	s.topic = "room:" + s.roomID

	if err := s.attachWithRetry(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	if err := s.Hydrate(ctx); err != nil {
		boardlog.Warn("failed to hydrate document",
			zap.String("room_id", s.roomID), zap.Error(err))
	}

	s.announce(ctx)
	s.publishEvent(ctx, &boardpubsub.Event{
		Type:     boardpubsub.EventJoin,
		RoomID:   s.roomID,
		UserID:   s.userID,
		UserName: s.userName,
		Color:    s.color,
	})
	s.startHeartbeat()

	s.setState(StateSubscribed)
	boardlog.Info("session connected",
		zap.String("room_id", s.roomID), zap.String("user_id", s.userID))

	return nil
}

// attachWithRetry attaches the broadcast channel and change feed, retrying
// with exponential backoff and jitter when Options.Reconnect is enabled.
func (s *Session) attachWithRetry(ctx context.Context) error {
	attempts := 1
	if s.options.Reconnect {
		attempts = s.options.MaxReconnectAttempts
		if attempts < 1 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := s.backoffDelay(attempt)
			boardlog.Info("retrying channel attach",
				zap.String("room_id", s.roomID),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if lastErr = s.attach(ctx); lastErr == nil {
			return nil
		}
		boardlog.Warn("channel attach failed",
			zap.String("room_id", s.roomID), zap.Error(lastErr))
	}

	return fmt.Errorf("failed to attach after %d attempts: %w", attempts, lastErr)
}

// backoffDelay returns the delay before the given retry attempt: base
// doubled per attempt, capped, plus up to 50% jitter.
func (s *Session) backoffDelay(attempt int) time.Duration {
	delay := s.options.ReconnectBaseDelay << (attempt - 1)
	if delay <= 0 || delay > s.options.ReconnectMaxDelay {
		delay = s.options.ReconnectMaxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/2+1))
}

// attach subscribes the broadcast channel and the change feed.
func (s *Session) attach(ctx context.Context) error {
	if s.pubsub != nil {
		if err := s.pubsub.Subscribe(ctx, s.topic, s.subscriberID, s.handleBroadcast); err != nil {
			return fmt.Errorf("failed to subscribe to broadcast channel: %w", err)
		}
	}

	if s.provider != nil {
		if err := s.provider.WatchFeed(ctx, s.roomID, s.subscriberID, s.handleFeed); err != nil {
			if s.pubsub != nil {
				_ = s.pubsub.Unsubscribe(ctx, s.topic, s.subscriberID)
			}
			return fmt.Errorf("failed to watch change feed: %w", err)
		}
	}

	return nil
}

// Hydrate replaces the document's contents with the room's persisted
// history, in server sequence order. It is idempotent.
func (s *Session) Hydrate(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}

	elements, err := s.provider.LoadRoomHistory(ctx, s.roomID)
	if err != nil {
		return fmt.Errorf("failed to load room history: %w", err)
	}
	s.doc.LoadElements(elements)

	return nil
}

// handleFeed applies one change-feed record: a newly persisted element. The
// saver's own elements come back on the feed too and are dropped here, as
// are records for other rooms.
func (s *Session) handleFeed(ctx context.Context, rec *boardstorage.Record) error {
	if rec == nil || rec.Element == nil {
		return nil
	}
	if rec.RoomID != s.roomID {
		return nil
	}
	if rec.Element.UserID == s.userID {
		return nil
	}

	s.doc.AddElement(rec.Element)
	if s.callbacks.OnElementAdded != nil {
		s.callbacks.OnElementAdded(rec.Element)
	}

	return nil
}

// handleBroadcast applies one broadcast control event.
func (s *Session) handleBroadcast(ctx context.Context, topic string, data []byte, format boardpubsub.EncodingFormat) error {
	decoder, err := boardpubsub.GetEncoderDecoder(format)
	if err != nil {
		return err
	}
	event, err := decoder.Decode(data)
	if err != nil {
		return fmt.Errorf("failed to decode event: %w", err)
	}

	if event.RoomID != s.roomID {
		return nil
	}
	if event.UserID == s.userID {
		return nil
	}

	switch event.Type {
	case boardpubsub.EventCursor:
		cursor := board.CursorPosition{
			X:        event.X,
			Y:        event.Y,
			UserID:   event.UserID,
			UserName: event.UserName,
			Color:    event.Color,
		}
		s.cursorsMutex.Lock()
		s.cursors[event.UserID] = cursor
		s.cursorsMutex.Unlock()
		if s.callbacks.OnCursorMoved != nil {
			s.callbacks.OnCursorMoved(cursor)
		}
	case boardpubsub.EventClear:
		s.doc.Clear()
		if s.callbacks.OnClear != nil {
			s.callbacks.OnClear()
		}
	case boardpubsub.EventUndo:
		applied := s.doc.RemoveElementByID(event.ElementID)
		if s.callbacks.OnUndo != nil {
			s.callbacks.OnUndo(event.ElementID, applied)
		}
	case boardpubsub.EventRedo:
		applied := s.doc.RestoreElementByID(event.ElementID)
		if s.callbacks.OnRedo != nil {
			s.callbacks.OnRedo(event.ElementID, applied)
		}
	case boardpubsub.EventDelete:
		applied := s.doc.DeleteElementByID(event.ElementID)
		if s.callbacks.OnDelete != nil {
			s.callbacks.OnDelete(event.ElementID, applied)
		}
	case boardpubsub.EventJoin:
		if s.callbacks.OnUserJoined != nil {
			s.callbacks.OnUserJoined(event.UserID, event.UserName, event.Color)
		}
	case boardpubsub.EventLeave:
		s.cursorsMutex.Lock()
		delete(s.cursors, event.UserID)
		s.cursorsMutex.Unlock()
		if s.callbacks.OnUserLeft != nil {
			s.callbacks.OnUserLeft(event.UserID)
		}
	default:
		boardlog.Debug("ignoring unknown event type",
			zap.String("type", string(event.Type)))
	}

	return nil
}

// publishEvent publishes a broadcast event, logging failures instead of
// surfacing them: broadcast traffic is best-effort.
func (s *Session) publishEvent(ctx context.Context, event *boardpubsub.Event) {
	if s.pubsub == nil {
		return
	}
	if err := s.pubsub.Publish(ctx, s.topic, event, s.options.Format); err != nil {
		boardlog.Warn("failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("room_id", s.roomID), zap.Error(err))
	}
}

// PersistElement saves the element through the persistence gateway. Peers
// (and this session, which filters the echo) receive it via the change feed.
func (s *Session) PersistElement(ctx context.Context, e *board.Element) error {
	if s.provider == nil {
		return nil
	}
	if err := s.provider.SaveElement(ctx, s.roomID, e); err != nil {
		return fmt.Errorf("failed to persist element: %w", err)
	}
	return nil
}

// ClearPersisted removes every persisted element in the room.
func (s *Session) ClearPersisted(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	if err := s.provider.DeleteAllInRoom(ctx, s.roomID); err != nil {
		return fmt.Errorf("failed to clear persisted elements: %w", err)
	}
	return nil
}

// SendCursor broadcasts this user's pointer position. Calls inside the
// throttle window are dropped; cursor traffic is lossy by design of the
// channel and the freshest position is the only one that matters.
func (s *Session) SendCursor(ctx context.Context, x, y float64) {
	s.cursorMutex.Lock()
	now := time.Now()
	if now.Sub(s.lastCursor) < s.options.CursorThrottle {
		s.cursorMutex.Unlock()
		return
	}
	s.lastCursor = now
	s.cursorMutex.Unlock()

	s.publishEvent(ctx, &boardpubsub.Event{
		Type:     boardpubsub.EventCursor,
		RoomID:   s.roomID,
		UserID:   s.userID,
		UserName: s.userName,
		Color:    s.color,
		X:        x,
		Y:        y,
	})
}

// SendClear broadcasts a board clear.
func (s *Session) SendClear(ctx context.Context) {
	s.publishEvent(ctx, &boardpubsub.Event{
		Type:   boardpubsub.EventClear,
		RoomID: s.roomID,
		UserID: s.userID,
	})
}

// SendUndo broadcasts the undo of the named element.
func (s *Session) SendUndo(ctx context.Context, elementID string) {
	s.publishEvent(ctx, &boardpubsub.Event{
		Type:      boardpubsub.EventUndo,
		RoomID:    s.roomID,
		UserID:    s.userID,
		ElementID: elementID,
	})
}

// SendRedo broadcasts the redo of the named element.
func (s *Session) SendRedo(ctx context.Context, elementID string) {
	s.publishEvent(ctx, &boardpubsub.Event{
		Type:      boardpubsub.EventRedo,
		RoomID:    s.roomID,
		UserID:    s.userID,
		ElementID: elementID,
	})
}

// SendDelete broadcasts the deletion of the named element.
func (s *Session) SendDelete(ctx context.Context, elementID string) {
	s.publishEvent(ctx, &boardpubsub.Event{
		Type:      boardpubsub.EventDelete,
		RoomID:    s.roomID,
		UserID:    s.userID,
		ElementID: elementID,
	})
}

// Cursors returns the last-known pointer position of each remote user.
func (s *Session) Cursors() []board.CursorPosition {
	s.cursorsMutex.RLock()
	defer s.cursorsMutex.RUnlock()

	cursors := make([]board.CursorPosition, 0, len(s.cursors))
	for _, c := range s.cursors {
		cursors = append(cursors, c)
	}
	return cursors
}

// Roster returns the participants currently present in the room.
func (s *Session) Roster(ctx context.Context) ([]board.Participant, error) {
	if s.presence == nil {
		return nil, nil
	}
	return s.presence.Roster(ctx, s.roomID)
}

// announce records this user on the presence tracker and the provider's
// durable participant table.
func (s *Session) announce(ctx context.Context) {
	participant := board.Participant{
		ID:    s.userID,
		Name:  s.userName,
		Color: s.color,
	}

	if s.presence != nil {
		if err := s.presence.Announce(ctx, s.roomID, participant); err != nil {
			boardlog.Warn("failed to announce presence",
				zap.String("room_id", s.roomID), zap.Error(err))
		}
	}
	if s.provider != nil {
		if err := s.provider.TouchParticipant(ctx, s.roomID, participant); err != nil {
			boardlog.Warn("failed to touch participant",
				zap.String("room_id", s.roomID), zap.Error(err))
		}
	}
}

// startHeartbeat starts the periodic presence re-announce loop.
func (s *Session) startHeartbeat() {
	if s.presence == nil && s.provider == nil {
		return
	}
	if s.options.HeartbeatInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.heartbeatCancel = cancel
	s.heartbeatDone = make(chan struct{})

	go func() {
		defer close(s.heartbeatDone)
		ticker := time.NewTicker(s.options.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.announce(ctx)
			}
		}
	}()
}

// Close publishes a leave event, withdraws presence, and detaches from the
// broadcast channel and the change feed. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.heartbeatCancel != nil {
			s.heartbeatCancel()
			<-s.heartbeatDone
		}

		if s.State() == StateSubscribed {
			s.publishEvent(ctx, &boardpubsub.Event{
				Type:   boardpubsub.EventLeave,
				RoomID: s.roomID,
				UserID: s.userID,
			})
		}

		if s.presence != nil {
			if leaveErr := s.presence.Leave(ctx, s.roomID, s.userID); leaveErr != nil {
				boardlog.Warn("failed to withdraw presence",
					zap.String("room_id", s.roomID), zap.Error(leaveErr))
			}
		}

		if s.pubsub != nil {
			if unsubErr := s.pubsub.Unsubscribe(ctx, s.topic, s.subscriberID); unsubErr != nil {
				err = unsubErr
			}
		}
		if s.provider != nil {
			if unwatchErr := s.provider.UnwatchFeed(ctx, s.roomID, s.subscriberID); unwatchErr != nil && err == nil {
				err = unwatchErr
			}
		}

		s.setState(StateClosed)
		boardlog.Info("session closed",
			zap.String("room_id", s.roomID), zap.String("user_id", s.userID))
	})

	return err
}
