package boardsync

import (
	"context"
	"time"

	"whiteboard/board"
)

// State represents the lifecycle state of a sync session.
type State int32

const (
	// StateDisconnected means the session is not attached to any transport.
	StateDisconnected State = iota
	// StateConnecting means the session is subscribing to its channels.
	StateConnecting
	// StateSubscribed means the session is live and receiving traffic.
	StateSubscribed
	// StateClosed means the session has been shut down.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Callbacks carries the application hooks a session invokes on remote
// activity. Every field is optional; a nil hook is skipped. Hooks are called
// from transport goroutines and must not block.
type Callbacks struct {
	// OnElementAdded fires when a peer's element arrives via the change feed.
	OnElementAdded func(e *board.Element)
	// OnCursorMoved fires on a peer's cursor update.
	OnCursorMoved func(c board.CursorPosition)
	// OnUserJoined fires when a peer announces itself.
	OnUserJoined func(userID, userName, color string)
	// OnUserLeft fires when a peer leaves the room.
	OnUserLeft func(userID string)
	// OnClear fires when a peer clears the board.
	OnClear func()
	// OnUndo fires after a peer's undo was applied (or skipped) locally.
	OnUndo func(elementID string, applied bool)
	// OnRedo fires after a peer's redo was applied (or skipped) locally.
	OnRedo func(elementID string, applied bool)
	// OnDelete fires after a peer's delete was applied (or skipped) locally.
	OnDelete func(elementID string, applied bool)
	// OnStateChanged fires on every session state transition.
	OnStateChanged func(s State)
}

// PresenceTracker tracks which users are currently in a room. Liveness is
// window-based: a participant counts as present while its last announce
// falls inside the tracker's window.
type PresenceTracker interface {
	// Announce records the participant as present, refreshing its last-seen
	// time. It is called on join and on every heartbeat.
	Announce(ctx context.Context, roomID string, p board.Participant) error

	// Leave removes the participant immediately.
	Leave(ctx context.Context, roomID string, userID string) error

	// Roster returns the participants currently considered present.
	Roster(ctx context.Context, roomID string) ([]board.Participant, error)

	// Close stops the tracker.
	Close() error
}

// DefaultPresenceWindow is how long a participant stays on the roster after
// its last announce.
const DefaultPresenceWindow = 5 * time.Minute
