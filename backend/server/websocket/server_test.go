package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/duelnet/backend/broker"
	"github.com/adwski/duelnet/backend/model"
	"github.com/adwski/duelnet/backend/service"
	store "github.com/adwski/duelnet/backend/storage/memory"
	sw "github.com/adwski/duelnet/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	logger := zerolog.Nop()
	s := sw.NewSwitch(&logger)
	srv := NewServer(Config{
		Logger: &logger,
		RelayService: service.NewService(service.Config{
			RoomStore: store.NewMemStore(2),
			Switch:    s,
			Broker:    broker.NewLocal(s),
			Logger:    &logger,
		}),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay/peer/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(model.Frame) bool) model.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f model.Frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func TestServer_Session(t *testing.T) {
	srv, base := newTestServer(t)

	alice := dial(t, base+"alice")
	defer func() { _ = alice.Close() }()

	rooms := readUntil(t, alice, func(f model.Frame) bool { return f.Type == model.FrameTypeRoomsUpdated })
	assert.Empty(t, rooms.Rooms)
	assert.Equal(t, int64(1), srv.Sessions())

	require.NoError(t, alice.WriteJSON(model.Frame{ID: "1", Type: model.FrameTypeCreateRoom, SRC: "mallory"}))
	ack := readUntil(t, alice, func(f model.Frame) bool { return f.ID == "1" })
	assert.Equal(t, model.FrameTypeAck, ack.Type, ack.Error)

	require.NoError(t, alice.WriteJSON(model.Frame{ID: "2", Type: model.FrameTypeListRooms}))
	list := readUntil(t, alice, func(f model.Frame) bool { return f.ID == "2" })
	assert.Equal(t, []model.RoomInfo{{ID: "alice", Participants: 1}}, list.Rooms)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, alice.WriteJSON(model.Frame{ID: "3", Type: "bogus"}))
	bogus := readUntil(t, alice, func(f model.Frame) bool { return f.ID == "3" })
	assert.Equal(t, model.FrameTypeError, bogus.Type)

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return srv.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_DuplicatePeer(t *testing.T) {
	_, base := newTestServer(t)

	first := dial(t, base+"bob")
	defer func() { _ = first.Close() }()
	readUntil(t, first, func(f model.Frame) bool { return f.Type == model.FrameTypeRoomsUpdated })

	second := dial(t, base+"bob")
	defer func() { _ = second.Close() }()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}
