package boardsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whiteboard/board"
	"whiteboard/boardpubsub"
	"whiteboard/boardstorage"
)

// testRoom wires the in-memory transport, storage and presence shared by a
// set of sessions.
type testRoom struct {
	pubsub   *boardpubsub.MemoryPubSub
	provider *boardstorage.MemoryProvider
	presence *MemoryPresenceTracker
}

func newTestRoom(t *testing.T) *testRoom {
	t.Helper()

	pubsub, err := boardpubsub.NewMemoryPubSub(nil)
	require.NoError(t, err)
	provider, err := boardstorage.NewMemoryProvider()
	require.NoError(t, err)

	return &testRoom{
		pubsub:   pubsub,
		provider: provider,
		presence: NewMemoryPresenceTracker(0),
	}
}

func (r *testRoom) session(userID, userName string, callbacks Callbacks) *Session {
	return NewSession(board.NewDocument(), r.pubsub, r.provider, r.presence,
		userID, userName, "#000000", callbacks, nil)
}

func testElement(id, userID string, ts int64) *board.Element {
	return &board.Element{
		ID:        id,
		Kind:      board.KindStroke,
		UserID:    userID,
		Timestamp: ts,
		Points:    []board.Point{{X: 0, Y: 0}, {X: 1, Y: 1}},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnectValidation(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	s := room.session("u1", "Alice", Callbacks{})
	assert.Error(t, s.Connect(ctx, ""))

	anon := room.session("", "Anon", Callbacks{})
	assert.Error(t, anon.Connect(ctx, "demo"))
}

func TestConnectResolvesRoomBySlug(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	alice := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	bob := room.session("u2", "Bob", Callbacks{})
	require.NoError(t, bob.Connect(ctx, "demo"))
	defer bob.Close(ctx)

	// Both slugs resolve to the same server-assigned room id.
	assert.Equal(t, alice.RoomID(), bob.RoomID())
	assert.NotEqual(t, "demo", alice.RoomID())
	assert.Equal(t, StateSubscribed, alice.State())
}

func TestElementSyncsThroughFeed(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	var added []*board.Element
	var mutex sync.Mutex

	alice := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	bob := room.session("u2", "Bob", Callbacks{
		OnElementAdded: func(e *board.Element) {
			mutex.Lock()
			defer mutex.Unlock()
			added = append(added, e)
		},
	})
	require.NoError(t, bob.Connect(ctx, "demo"))
	defer bob.Close(ctx)

	e := testElement("e1", "u1", 100)
	alice.Document().AddElement(e)
	require.NoError(t, alice.PersistElement(ctx, e))

	waitFor(t, func() bool { return bob.Document().Len() == 1 })

	got, ok := bob.Document().ElementByID("e1")
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, added, 1)
	assert.Equal(t, "e1", added[0].ID)
}

func TestOwnFeedEchoIsSuppressed(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	alice := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	e := testElement("e1", "u1", 100)
	alice.Document().AddElement(e)
	require.NoError(t, alice.PersistElement(ctx, e))

	// The feed echoes the save back; the session must not apply it twice.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, alice.Document().Len())
	assert.Equal(t, 0, alice.Document().RedoLen())
}

func TestHydrateLoadsHistory(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	alice := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, alice.Connect(ctx, "demo"))
	e1 := testElement("e1", "u1", 100)
	e2 := testElement("e2", "u1", 200)
	alice.Document().AddElement(e1)
	alice.Document().AddElement(e2)
	require.NoError(t, alice.PersistElement(ctx, e1))
	require.NoError(t, alice.PersistElement(ctx, e2))
	require.NoError(t, alice.Close(ctx))

	// A late joiner sees the persisted history immediately.
	bob := room.session("u2", "Bob", Callbacks{})
	require.NoError(t, bob.Connect(ctx, "demo"))
	defer bob.Close(ctx)

	assert.Equal(t, 2, bob.Document().Len())
}

func TestUndoPropagates(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	alice := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	undoApplied := make(chan bool, 1)
	bob := room.session("u2", "Bob", Callbacks{
		OnUndo: func(elementID string, applied bool) {
			undoApplied <- applied
		},
	})
	require.NoError(t, bob.Connect(ctx, "demo"))
	defer bob.Close(ctx)

	e := testElement("e1", "u1", 100)
	alice.Document().AddElement(e)
	require.NoError(t, alice.PersistElement(ctx, e))
	waitFor(t, func() bool { return bob.Document().Len() == 1 })

	id, ok := alice.Document().Undo()
	require.True(t, ok)
	alice.SendUndo(ctx, id)

	select {
	case applied := <-undoApplied:
		assert.True(t, applied)
	case <-time.After(2 * time.Second):
		t.Fatal("undo never arrived")
	}
	assert.Equal(t, 0, bob.Document().Len())
	assert.Equal(t, 1, bob.Document().RedoLen())
}

func TestRemoteUndoForUnknownElementIsNoOp(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	alice := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	undoApplied := make(chan bool, 1)
	bob := room.session("u2", "Bob", Callbacks{
		OnUndo: func(elementID string, applied bool) {
			undoApplied <- applied
		},
	})
	require.NoError(t, bob.Connect(ctx, "demo"))
	defer bob.Close(ctx)

	// An undo for an element bob never received must not disturb his state.
	alice.SendUndo(ctx, "never-seen")

	select {
	case applied := <-undoApplied:
		assert.False(t, applied)
	case <-time.After(2 * time.Second):
		t.Fatal("undo never arrived")
	}
	assert.Equal(t, 0, bob.Document().Len())
	assert.Equal(t, 0, bob.Document().RedoLen())
}

func TestClearPropagates(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	alice := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	cleared := make(chan struct{}, 1)
	bob := room.session("u2", "Bob", Callbacks{
		OnClear: func() { cleared <- struct{}{} },
	})
	require.NoError(t, bob.Connect(ctx, "demo"))
	defer bob.Close(ctx)

	e := testElement("e1", "u1", 100)
	alice.Document().AddElement(e)
	require.NoError(t, alice.PersistElement(ctx, e))
	waitFor(t, func() bool { return bob.Document().Len() == 1 })

	require.NoError(t, alice.ClearPersisted(ctx))
	alice.Document().Clear()
	alice.SendClear(ctx)

	select {
	case <-cleared:
	case <-time.After(2 * time.Second):
		t.Fatal("clear never arrived")
	}
	assert.Equal(t, 0, bob.Document().Len())

	history, err := room.provider.LoadRoomHistory(ctx, alice.RoomID())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCursorEventsReachPeers(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	alice := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	cursors := make(chan board.CursorPosition, 8)
	bob := room.session("u2", "Bob", Callbacks{
		OnCursorMoved: func(c board.CursorPosition) { cursors <- c },
	})
	require.NoError(t, bob.Connect(ctx, "demo"))
	defer bob.Close(ctx)

	alice.SendCursor(ctx, 10, 20)

	select {
	case c := <-cursors:
		assert.Equal(t, "u1", c.UserID)
		assert.Equal(t, 10.0, c.X)
		assert.Equal(t, 20.0, c.Y)
	case <-time.After(2 * time.Second):
		t.Fatal("cursor never arrived")
	}

	got := bob.Cursors()
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
}

func TestCursorRegistryDroppedOnLeave(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	alice := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	bob := room.session("u2", "Bob", Callbacks{})
	require.NoError(t, bob.Connect(ctx, "demo"))

	bob.SendCursor(ctx, 7, 7)
	waitFor(t, func() bool { return len(alice.Cursors()) == 1 })

	require.NoError(t, bob.Close(ctx))
	waitFor(t, func() bool { return len(alice.Cursors()) == 0 })
}

func TestCursorThrottleDropsBurst(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	options := NewOptions()
	options.CursorThrottle = time.Second

	alice := NewSession(board.NewDocument(), room.pubsub, room.provider, room.presence,
		"u1", "Alice", "#000000", Callbacks{}, options)
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	var count int
	var mutex sync.Mutex
	bob := room.session("u2", "Bob", Callbacks{
		OnCursorMoved: func(c board.CursorPosition) {
			mutex.Lock()
			defer mutex.Unlock()
			count++
		},
	})
	require.NoError(t, bob.Connect(ctx, "demo"))
	defer bob.Close(ctx)

	for i := 0; i < 10; i++ {
		alice.SendCursor(ctx, float64(i), float64(i))
	}

	time.Sleep(200 * time.Millisecond)
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 1, count)
}

func TestEventsForOtherRoomsAreIgnored(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	cleared := make(chan struct{}, 1)
	bob := room.session("u2", "Bob", Callbacks{
		OnClear: func() { cleared <- struct{}{} },
	})
	require.NoError(t, bob.Connect(ctx, "demo"))
	defer bob.Close(ctx)

	// A stray event on bob's topic naming a different room must be dropped.
	err := room.pubsub.Publish(ctx, "room:"+bob.RoomID(), &boardpubsub.Event{
		Type:   boardpubsub.EventClear,
		RoomID: "some-other-room",
		UserID: "u9",
	}, boardpubsub.EncodingFormatJSON)
	require.NoError(t, err)

	select {
	case <-cleared:
		t.Fatal("clear for another room was applied")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestJoinAndLeaveCallbacks(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	joined := make(chan string, 1)
	left := make(chan string, 1)
	alice := room.session("u1", "Alice", Callbacks{
		OnUserJoined: func(userID, userName, color string) { joined <- userName },
		OnUserLeft:   func(userID string) { left <- userID },
	})
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	bob := room.session("u2", "Bob", Callbacks{})
	require.NoError(t, bob.Connect(ctx, "demo"))

	select {
	case name := <-joined:
		assert.Equal(t, "Bob", name)
	case <-time.After(2 * time.Second):
		t.Fatal("join never arrived")
	}

	require.NoError(t, bob.Close(ctx))

	select {
	case userID := <-left:
		assert.Equal(t, "u2", userID)
	case <-time.After(2 * time.Second):
		t.Fatal("leave never arrived")
	}
}

func TestRosterTracksPresence(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	alice := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, alice.Connect(ctx, "demo"))
	defer alice.Close(ctx)

	bob := room.session("u2", "Bob", Callbacks{})
	require.NoError(t, bob.Connect(ctx, "demo"))

	roster, err := alice.Roster(ctx)
	require.NoError(t, err)
	assert.Len(t, roster, 2)

	require.NoError(t, bob.Close(ctx))

	roster, err = alice.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "u1", roster[0].ID)
}

func TestLocalOnlySession(t *testing.T) {
	ctx := context.Background()

	// No transport, no storage: the document still works and every network
	// operation is a no-op.
	s := NewSession(board.NewDocument(), nil, nil, nil, "u1", "Alice", "#000000", Callbacks{}, nil)
	require.NoError(t, s.Connect(ctx, "demo"))

	assert.Equal(t, "demo", s.RoomID())
	assert.Equal(t, StateSubscribed, s.State())

	s.Document().AddElement(testElement("e1", "u1", 100))
	require.NoError(t, s.PersistElement(ctx, s.Document().AllElements()[0]))
	s.SendCursor(ctx, 1, 2)
	s.SendClear(ctx)

	roster, err := s.Roster(ctx)
	require.NoError(t, err)
	assert.Nil(t, roster)

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, StateClosed, s.State())
}

func TestConnectTwiceRejected(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	s := room.session("u1", "Alice", Callbacks{})
	require.NoError(t, s.Connect(ctx, "demo"))
	defer s.Close(ctx)

	assert.Error(t, s.Connect(ctx, "demo"))
}

func TestStateTransitions(t *testing.T) {
	room := newTestRoom(t)
	ctx := context.Background()

	var states []State
	var mutex sync.Mutex
	s := room.session("u1", "Alice", Callbacks{
		OnStateChanged: func(state State) {
			mutex.Lock()
			defer mutex.Unlock()
			states = append(states, state)
		},
	})

	require.NoError(t, s.Connect(ctx, "demo"))
	require.NoError(t, s.Close(ctx))

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []State{StateConnecting, StateSubscribed, StateClosed}, states)
}
