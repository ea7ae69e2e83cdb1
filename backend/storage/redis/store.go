// Package redis keeps relay rooms in Redis so that every relay instance
// sharing the server sees the same rooms and membership.
package redis

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/adwski/duelnet/backend/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxParticipants = 2

	defaultKeyPrefix = "duelnet:"
	defaultTimeout   = 2 * time.Second

	ready = "1"
)

var (
	ErrPing            = errors.New("redis is not reachable")
	ErrRoomIsFull      = errors.New("room is full")
	ErrRoomNotFound    = errors.New("room is not found")
	ErrRoomExists      = errors.New("room already exists")
	ErrNotAParticipant = errors.New("peer is not a participant")
)

// Each room is a hash of participant id -> ready flag. The set of room ids
// is kept next to it for listing. Mutations run as scripts so concurrent
// instances never observe a half-applied change.
var (
	// KEYS: room, rooms. ARGV: peer.
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then return 1 end
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], '0')
redis.call('SADD', KEYS[2], ARGV[1])
return 1`)

	// KEYS: room. ARGV: peer, capacity.
	joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then return 1 end
if redis.call('HLEN', KEYS[1]) >= tonumber(ARGV[2]) then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], '0')
return 1`)

	// KEYS: room, rooms. ARGV: peer, room id.
	leaveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
if ARGV[1] == ARGV[2] or redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[2])
  return 1
end
return 0`)

	// KEYS: room. ARGV: peer.
	readyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return -2 end
redis.call('HSET', KEYS[1], ARGV[1], '1')
local vals = redis.call('HVALS', KEYS[1])
if #vals < 2 then return 0 end
for _, v in ipairs(vals) do
  if v ~= '1' then return 0 end
end
return 1`)
)

type (
	Config struct {
		Logger          *zerolog.Logger
		Addr            string
		KeyPrefix       string
		MaxParticipants int
		Timeout         time.Duration
	}

	Store struct {
		rdb             *redis.Client
		prefix          string
		maxParticipants int
		timeout         time.Duration
		logger          zerolog.Logger
	}
)

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = DefaultMaxParticipants
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Join(ErrPing, err)
	}
	return &Store{
		rdb:             rdb,
		prefix:          cfg.KeyPrefix,
		maxParticipants: cfg.MaxParticipants,
		timeout:         cfg.Timeout,
		logger:          cfg.Logger.With().Str("component", "redis-store").Logger(),
	}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) roomKey(roomID string) string { return s.prefix + "room:" + roomID }

func (s *Store) roomsKey() string { return s.prefix + "rooms" }

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// CreateRoom registers a room owned by peerID. Re-creating own room is a no-op.
func (s *Store) CreateRoom(peerID string) (*model.Room, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	res, err := createScript.Run(ctx, s.rdb, []string{s.roomKey(peerID), s.roomsKey()}, peerID).Int()
	if err != nil {
		return nil, err
	}
	if res == 0 {
		return nil, ErrRoomExists
	}
	return s.getRoom(ctx, peerID)
}

func (s *Store) JoinRoom(roomID string, peerID string) (*model.Room, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	res, err := joinScript.Run(ctx, s.rdb, []string{s.roomKey(roomID)}, peerID, s.maxParticipants).Int()
	if err != nil {
		return nil, err
	}
	switch res {
	case -1:
		return nil, ErrRoomNotFound
	case 0:
		return nil, ErrRoomIsFull
	}
	return s.getRoom(ctx, roomID)
}

// LeaveRoom removes peerID from roomID. The room is deleted when its creator
// leaves or when it becomes empty.
func (s *Store) LeaveRoom(roomID string, peerID string) bool {
	ctx, cancel := s.ctx()
	defer cancel()

	res, err := leaveScript.Run(ctx, s.rdb, []string{s.roomKey(roomID), s.roomsKey()}, peerID, roomID).Int()
	if err != nil {
		s.logger.Error().Err(err).Str("roomID", roomID).Str("peerID", peerID).Msg("leave failed")
		return false
	}
	return res == 1
}

// SetReady marks peerID ready and reports whether every participant is ready.
func (s *Store) SetReady(roomID string, peerID string) (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	res, err := readyScript.Run(ctx, s.rdb, []string{s.roomKey(roomID)}, peerID).Int()
	if err != nil {
		return false, err
	}
	switch res {
	case -1:
		return false, ErrRoomNotFound
	case -2:
		return false, ErrNotAParticipant
	}
	return res == 1, nil
}

func (s *Store) GetRoom(roomID string) (*model.Room, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.getRoom(ctx, roomID)
}

func (s *Store) getRoom(ctx context.Context, roomID string) (*model.Room, error) {
	members, err := s.rdb.HGetAll(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrRoomNotFound
	}
	room := &model.Room{
		ID:           roomID,
		Participants: make(map[string]model.Participant, len(members)),
	}
	for id, flag := range members {
		room.Participants[id] = model.Participant{ID: id, Ready: flag == ready}
	}
	return room, nil
}

func (s *Store) ListRooms() []model.RoomInfo {
	ctx, cancel := s.ctx()
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, s.roomsKey()).Result()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list rooms")
		return []model.RoomInfo{}
	}
	if len(ids) == 0 {
		return []model.RoomInfo{}
	}
	pipe := s.rdb.Pipeline()
	sizes := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		sizes[i] = pipe.HLen(ctx, s.roomKey(id))
	}
	if _, err = pipe.Exec(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to count participants")
		return []model.RoomInfo{}
	}

	rooms := make([]model.RoomInfo, 0, len(ids))
	for i, id := range ids {
		if n := sizes[i].Val(); n > 0 {
			rooms = append(rooms, model.RoomInfo{ID: id, Participants: int(n)})
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}
