package boardsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whiteboard/board"
)

func TestAnnounceAndRoster(t *testing.T) {
	tracker := NewMemoryPresenceTracker(0)
	ctx := context.Background()

	require.NoError(t, tracker.Announce(ctx, "room-1", board.Participant{ID: "u1", Name: "Alice"}))
	require.NoError(t, tracker.Announce(ctx, "room-1", board.Participant{ID: "u2", Name: "Bob"}))
	require.NoError(t, tracker.Announce(ctx, "room-2", board.Participant{ID: "u3", Name: "Carol"}))

	roster, err := tracker.Roster(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, roster, 2)
}

func TestLeaveRemovesImmediately(t *testing.T) {
	tracker := NewMemoryPresenceTracker(0)
	ctx := context.Background()

	require.NoError(t, tracker.Announce(ctx, "room-1", board.Participant{ID: "u1", Name: "Alice"}))
	require.NoError(t, tracker.Leave(ctx, "room-1", "u1"))

	roster, err := tracker.Roster(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestStaleParticipantsAgeOff(t *testing.T) {
	tracker := NewMemoryPresenceTracker(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tracker.Announce(ctx, "room-1", board.Participant{ID: "u1", Name: "Alice"}))

	roster, err := tracker.Roster(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, roster, 1)

	time.Sleep(40 * time.Millisecond)

	roster, err = tracker.Roster(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestReAnnounceKeepsJoinedAt(t *testing.T) {
	tracker := NewMemoryPresenceTracker(0)
	ctx := context.Background()

	require.NoError(t, tracker.Announce(ctx, "room-1", board.Participant{ID: "u1", Name: "Alice", JoinedAt: 42}))
	require.NoError(t, tracker.Announce(ctx, "room-1", board.Participant{ID: "u1", Name: "Alice"}))

	roster, err := tracker.Roster(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, int64(42), roster[0].JoinedAt)
}
