package loopback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adwski/duelnet/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPeer(t *testing.T, hub *Hub, id string, delay time.Duration) *Transport {
	t.Helper()
	tr := New(Config{Hub: hub, PeerID: id, Delay: delay})
	require.NoError(t, tr.Initialize(context.Background()))
	t.Cleanup(tr.Cleanup)
	return tr
}

type inbox struct {
	mx   sync.Mutex
	msgs []transport.TopicMessage
}

func (i *inbox) add(m transport.TopicMessage) {
	i.mx.Lock()
	defer i.mx.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) len() int {
	i.mx.Lock()
	defer i.mx.Unlock()
	return len(i.msgs)
}

func TestSubscribeIdempotent(t *testing.T) {
	hub := NewHub()
	a := newPeer(t, hub, "a", 0)
	b := newPeer(t, hub, "b", 0)
	ctx := context.Background()

	require.True(t, b.SubscribeTopic(ctx, "t", false))
	require.True(t, b.SubscribeTopic(ctx, "t", true))
	assert.Equal(t, []string{"b"}, hub.Subscribers("t"))
	assert.Equal(t, []string{"t"}, b.Subscriptions().List())

	var got inbox
	b.Events().OnTopic("t", got.add)
	require.NoError(t, a.PublishToTopic(ctx, "t", []byte("hello")))
	require.Equal(t, 1, got.len())
	assert.Equal(t, "a", got.msgs[0].From)
	assert.Equal(t, "hello", string(got.msgs[0].Data))

	b.UnsubscribeTopic("t")
	b.UnsubscribeTopic("t")
	assert.Empty(t, hub.Subscribers("t"))
	require.NoError(t, a.PublishToTopic(ctx, "t", []byte("again")))
	assert.Equal(t, 1, got.len())
}

func TestPublish_NotToSelf(t *testing.T) {
	hub := NewHub()
	a := newPeer(t, hub, "a", 0)
	ctx := context.Background()
	require.True(t, a.SubscribeTopic(ctx, "t", false))

	var got inbox
	a.Events().OnTopic("t", got.add)
	require.NoError(t, a.PublishToTopic(ctx, "t", []byte("x")))
	assert.Zero(t, got.len())
}

func TestPublish_Delayed(t *testing.T) {
	hub := NewHub()
	a := newPeer(t, hub, "a", 20*time.Millisecond)
	b := newPeer(t, hub, "b", 0)
	ctx := context.Background()
	require.True(t, b.SubscribeTopic(ctx, "t", false))

	var got inbox
	b.Events().OnTopic("t", got.add)
	require.NoError(t, a.PublishToTopic(ctx, "t", []byte("x")))
	assert.Zero(t, got.len())
	assert.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestJoinRoom_NotFound(t *testing.T) {
	hub := NewHub()
	b := newPeer(t, hub, "b", 0)

	start := time.Now()
	err := b.JoinRoom(context.Background(), "ghost", transport.RetryPolicy{Attempts: 3, Delay: 10 * time.Millisecond})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, transport.ErrRoomNotFound)
	assert.Equal(t, int64(3), hub.Lookups())
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Empty(t, b.RoomID())
}

func TestJoinRoom_CancelledByCleanup(t *testing.T) {
	hub := NewHub()
	b := New(Config{Hub: hub, PeerID: "b"})
	require.NoError(t, b.Initialize(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- b.JoinRoom(context.Background(), "ghost", transport.RetryPolicy{Attempts: 100, Delay: time.Hour})
	}()
	assert.Eventually(t, func() bool { return hub.Lookups() == 1 }, time.Second, time.Millisecond)
	b.Cleanup()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("join was not aborted by cleanup")
	}
}

func TestCreateJoinLeave(t *testing.T) {
	hub := NewHub()
	a := newPeer(t, hub, "a", 0)
	b := newPeer(t, hub, "b", 0)
	ctx := context.Background()

	var rooms [][]string
	b.Events().RoomsUpdated.Subscribe(func(r []string) { rooms = append(rooms, r) })

	roomID, err := a.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", roomID)
	assert.Equal(t, "a", a.RoomID())
	require.NotEmpty(t, rooms)
	assert.Equal(t, []string{"a"}, rooms[len(rooms)-1])

	var joins inbox
	a.Events().OnTopic(transport.RoomTopic("a"), joins.add)
	require.NoError(t, b.JoinRoom(ctx, "a", transport.RetryPolicy{Attempts: 1}))
	assert.Equal(t, "a", b.RoomID())
	require.Equal(t, 1, joins.len())
	assert.Equal(t, "duel:player:join:b", string(joins.msgs[0].Data))

	// creating a room while in another one leaves the old one
	_, err = b.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", b.RoomID())
	assert.Equal(t, []string{"a"}, hub.Subscribers(transport.RoomTopic("a")))

	a.LeaveRoom(ctx)
	assert.Empty(t, a.RoomID())
	assert.Equal(t, []string{"b"}, rooms[len(rooms)-1])
}

func TestMembershipEvents(t *testing.T) {
	hub := NewHub()
	a := newPeer(t, hub, "a", 0)

	var discovered []transport.PeerInfo
	var removed []string
	a.Events().PeerDiscovery.Subscribe(func(p transport.PeerInfo) { discovered = append(discovered, p) })
	a.Events().RemovePeer.Subscribe(func(id string) { removed = append(removed, id) })

	b := New(Config{Hub: hub, PeerID: "b"})
	require.NoError(t, b.Initialize(context.Background()))
	require.Len(t, discovered, 1)
	assert.Equal(t, "b", discovered[0].ID)
	assert.Equal(t, []string{"loopback://b"}, discovered[0].Addresses)

	dup := New(Config{Hub: hub, PeerID: "b"})
	assert.ErrorIs(t, dup.Initialize(context.Background()), ErrPeerExists)

	b.Cleanup()
	assert.Equal(t, []string{"b"}, removed)
	assert.Zero(t, b.Events().Listeners())
}
