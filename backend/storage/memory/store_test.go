package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_CreateJoinLeave(t *testing.T) {
	ms := NewMemStore(0)

	room, err := ms.CreateRoom("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", room.ID)

	_, err = ms.CreateRoom("alice")
	require.NoError(t, err, "re-creating own room must be a no-op")

	_, err = ms.JoinRoom("bob", "carol")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	room, err = ms.JoinRoom("alice", "bob")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 2)

	_, err = ms.JoinRoom("alice", "carol")
	assert.ErrorIs(t, err, ErrRoomIsFull)

	_, err = ms.JoinRoom("alice", "bob")
	assert.NoError(t, err, "rejoin of a member must succeed even when full")

	assert.Equal(t, 1, len(ms.ListRooms()))

	assert.False(t, ms.LeaveRoom("alice", "bob"))
	assert.True(t, ms.LeaveRoom("alice", "alice"))
	assert.Empty(t, ms.ListRooms())
}

func TestMemStore_Ready(t *testing.T) {
	ms := NewMemStore(2)
	_, err := ms.CreateRoom("alice")
	require.NoError(t, err)

	all, err := ms.SetReady("alice", "alice")
	require.NoError(t, err)
	assert.False(t, all, "a single participant is never all-ready")

	_, err = ms.JoinRoom("alice", "bob")
	require.NoError(t, err)

	all, err = ms.SetReady("alice", "bob")
	require.NoError(t, err)
	assert.True(t, all)

	_, err = ms.SetReady("alice", "mallory")
	assert.ErrorIs(t, err, ErrNotAParticipant)

	_, err = ms.SetReady("nope", "bob")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestMemStore_GetRoomReturnsCopy(t *testing.T) {
	ms := NewMemStore(2)
	_, err := ms.CreateRoom("alice")
	require.NoError(t, err)

	room, err := ms.GetRoom("alice")
	require.NoError(t, err)
	delete(room.Participants, "alice")

	room, err = ms.GetRoom("alice")
	require.NoError(t, err)
	assert.Contains(t, room.Participants, "alice")
}
