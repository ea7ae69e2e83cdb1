package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/duelnet/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoRoom = errors.New("room is not found")

type staticRooms []model.RoomInfo

func (s staticRooms) ListRooms() []model.RoomInfo { return s }

func (s staticRooms) GetRoom(roomID string) (*model.Room, error) {
	for _, r := range s {
		if r.ID == roomID {
			return &model.Room{
				ID:           r.ID,
				Participants: map[string]model.Participant{r.ID: {ID: r.ID, Ready: true}},
			}, nil
		}
	}
	return nil, errNoRoom
}

func newTestServer(rooms staticRooms, sessions func() int64) *Server {
	logger := zerolog.Nop()
	return NewServer(Config{Logger: &logger, RoomService: rooms, Sessions: sessions})
}

func get(t *testing.T, srv *Server, path string, data any) (int, GenericResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := GenericResponse{Data: data}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestServer_ListRooms(t *testing.T) {
	srv := newTestServer(staticRooms{{ID: "alice", Participants: 1}}, nil)

	var rooms []model.RoomInfo
	code, resp := get(t, srv, "/api/rooms", &rooms)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", resp.Message)
	assert.Equal(t, []model.RoomInfo{{ID: "alice", Participants: 1}}, rooms)
}

func TestServer_GetRoom(t *testing.T) {
	srv := newTestServer(staticRooms{{ID: "alice", Participants: 1}}, nil)

	var room model.Room
	code, _ := get(t, srv, "/api/rooms/alice", &room)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", room.ID)
	assert.True(t, room.Participants["alice"].Ready)

	code, resp := get(t, srv, "/api/rooms/bob", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, errNoRoom.Error(), resp.Error)
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(staticRooms{{ID: "a"}, {ID: "b"}}, func() int64 { return 3 })

	var h Health
	code, resp := get(t, srv, "/api/health", &h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", resp.Message)
	assert.Equal(t, Health{Rooms: 2, Sessions: 3}, h)
}

func TestServer_CORS(t *testing.T) {
	srv := newTestServer(staticRooms{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/rooms", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
