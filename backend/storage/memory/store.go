package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/duelnet/backend/model"
)

const (
	DefaultMaxParticipants = 2
)

var (
	ErrRoomIsFull      = errors.New("room is full")
	ErrRoomNotFound    = errors.New("room is not found")
	ErrRoomExists      = errors.New("room already exists")
	ErrNotAParticipant = errors.New("peer is not a participant")
)

type MemStore struct {
	mx              *sync.Mutex
	db              map[string]*model.Room
	maxParticipants int
}

func NewMemStore(maxParticipants int) *MemStore {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	return &MemStore{
		mx:              &sync.Mutex{},
		db:              make(map[string]*model.Room),
		maxParticipants: maxParticipants,
	}
}

// CreateRoom registers a room owned by peerID. Re-creating own room is a no-op.
func (ms *MemStore) CreateRoom(peerID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if room, ok := ms.db[peerID]; ok {
		if _, member := room.Participants[peerID]; member {
			return copyRoom(room), nil
		}
		return nil, ErrRoomExists
	}
	room := &model.Room{
		ID: peerID,
		Participants: map[string]model.Participant{
			peerID: {ID: peerID},
		},
	}
	ms.db[peerID] = room
	return copyRoom(room), nil
}

func (ms *MemStore) JoinRoom(roomID string, peerID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	if len(room.Participants) >= ms.maxParticipants {
		if _, ok := room.Participants[peerID]; !ok {
			return nil, ErrRoomIsFull
		}
	}

	if _, ok := room.Participants[peerID]; !ok {
		room.Participants[peerID] = model.Participant{ID: peerID}
	}
	return copyRoom(room), nil
}

// LeaveRoom removes peerID from roomID. The room is deleted when its creator
// leaves or when it becomes empty.
func (ms *MemStore) LeaveRoom(roomID string, peerID string) (deleted bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return false
	}
	delete(room.Participants, peerID)
	if roomID == peerID || len(room.Participants) == 0 {
		delete(ms.db, roomID)
		return true
	}
	return false
}

// SetReady marks peerID ready and reports whether every participant is ready.
func (ms *MemStore) SetReady(roomID string, peerID string) (bool, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return false, ErrRoomNotFound
	}
	p, ok := room.Participants[peerID]
	if !ok {
		return false, ErrNotAParticipant
	}
	p.Ready = true
	room.Participants[peerID] = p

	if len(room.Participants) < 2 {
		return false, nil
	}
	for _, p = range room.Participants {
		if !p.Ready {
			return false, nil
		}
	}
	return true, nil
}

func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

func (ms *MemStore) ListRooms() []model.RoomInfo {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rooms := make([]model.RoomInfo, 0, len(ms.db))
	for id, room := range ms.db {
		rooms = append(rooms, model.RoomInfo{ID: id, Participants: len(room.Participants)})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

func copyRoom(room *model.Room) *model.Room {
	cp := &model.Room{
		ID:           room.ID,
		Participants: make(map[string]model.Participant, len(room.Participants)),
	}
	for k, v := range room.Participants {
		cp.Participants[k] = v
	}
	return cp
}
